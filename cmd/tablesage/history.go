package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tablesage/tablesage/internal/gateway"
	"github.com/tablesage/tablesage/internal/session"
)

// HistoryCmd prints one history layer of a stored session. When an audit
// token hash is configured, the local layer asks for the token here too,
// so the audit trail gate is the same on every surface.
type HistoryCmd struct {
	Session string `arg:"" help:"Session ID."`
	Layer   string `help:"History layer to print." default:"local" enum:"local,cloud"`
	Token   string `help:"Audit token for the local layer (prompted when omitted)."`
	JSON    bool   `help:"Emit raw JSON."`
}

func (h *HistoryCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if h.Layer == session.LayerLocal && cfg.Gateway.AuditTokenHash != "" {
		token := h.Token
		if token == "" {
			token, err = readSecret("audit token: ")
			if err != nil {
				return err
			}
		}
		if !gateway.VerifyAuditToken(token, cfg.Gateway.AuditTokenHash) {
			return errors.New("audit token rejected")
		}
	}

	mgr, err := openSessions(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return printHistory(context.Background(), mgr, h.Session, h.Layer, h.JSON)
}

func printHistory(ctx context.Context, mgr *session.Manager, sessionID, layer string, asJSON bool) error {
	msgs, err := mgr.History(ctx, sessionID, layer)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return err
	}

	if asJSON {
		data, err := json.MarshalIndent(msgs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(msgs) == 0 {
		fmt.Println(metaStyle.Render("(empty)"))
		return nil
	}
	for _, m := range msgs {
		role := assistantStyle
		if m.Role == session.RoleUser {
			role = userStyle
		}
		fmt.Printf("%s %s %s\n",
			metaStyle.Render(m.Timestamp.Format("2006-01-02 15:04:05")),
			role.Render(m.Role),
			metaStyle.Render("["+m.Kind+"]"))
		fmt.Println(indent(m.Content, "  "))
	}
	return nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// readSecret reads a token without echo on a terminal, or one line from
// piped input.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
