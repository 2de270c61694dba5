package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/tablesage/tablesage/internal/dialog"
	"github.com/tablesage/tablesage/internal/session"
)

// ChatCmd runs an interactive query loop against the in-process pipeline.
type ChatCmd struct {
	Session string `help:"Continue an existing session instead of starting a new one."`
}

func (c *ChatCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	sessionID := c.Session
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	fmt.Printf("%s %s\n", metaStyle.Render("tablesage session"), sessionID)
	fmt.Println(metaStyle.Render("ask about your data; /history shows this session, /quit leaves"))

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(promptStyle.Render("you> "))
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/history":
			if err := printHistory(ctx, p.sessions, sessionID, session.LayerLocal, false); err != nil {
				fmt.Println(faultStyle.Render("history: " + err.Error()))
			}
			continue
		}

		reply, err := p.orch.ProcessQuery(ctx, sessionID, line)
		if err != nil {
			printTurnError(err)
			continue
		}
		printReply(reply)
	}
	return scanner.Err()
}

func printTurnError(err error) {
	var f *dialog.Fault
	if errors.As(err, &f) {
		fmt.Println(faultStyle.Render(fmt.Sprintf("(%s) %s", f.Code, f.Message)))
		return
	}
	fmt.Println(faultStyle.Render("error: " + err.Error()))
}

func printReply(reply *dialog.Reply) {
	if reply.NeedsClarification && reply.Clarification != nil {
		fmt.Println(clarifyStyle.Render(reply.Clarification.Question))
		for i, opt := range reply.Clarification.Options {
			fmt.Printf("  %d. %s\n", i+1, opt)
		}
		return
	}

	if reply.SQL != "" {
		fmt.Println(sqlStyle.Render(reply.SQL))
	}
	if reply.ResultSummary != "" {
		fmt.Println(metaStyle.Render(reply.ResultSummary))
	}
	if reply.AnalysisText != "" {
		fmt.Println(analysisStyle.Render(reply.AnalysisText))
	}
}
