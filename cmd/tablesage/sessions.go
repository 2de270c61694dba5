package main

import (
	"context"
	"fmt"
)

// SessionsCmd lists stored sessions with their layer sizes.
type SessionsCmd struct{}

func (s *SessionsCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	infos, err := mgr.List(context.Background())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println(metaStyle.Render("no stored sessions"))
		return nil
	}

	fmt.Printf("%-36s  %-19s  %-19s  %5s  %5s\n", "ID", "CREATED", "LAST ACTIVE", "LOCAL", "CLOUD")
	for _, info := range infos {
		fmt.Printf("%-36s  %-19s  %-19s  %5d  %5d\n",
			info.ID,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.LastActiveAt.Format("2006-01-02 15:04:05"),
			info.LocalMessages,
			info.CloudMessages)
	}
	return nil
}
