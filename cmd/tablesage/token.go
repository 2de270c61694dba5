package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tablesage/tablesage/internal/gateway"
)

// TokenCmd hashes an audit token for the gateway.auditTokenHash setting.
// The token itself is never written anywhere.
type TokenCmd struct{}

func (t *TokenCmd) Run() error {
	token, err := readSecret("audit token: ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("token must not be empty")
	}

	// Piped input gets no confirmation round.
	if term.IsTerminal(int(os.Stdin.Fd())) {
		confirm, err := readSecret("repeat token: ")
		if err != nil {
			return err
		}
		if token != confirm {
			return errors.New("tokens do not match")
		}
	}

	hash, err := gateway.HashAuditToken(token)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	fmt.Fprintln(os.Stderr, "set this as gateway.auditTokenHash in the config file")
	return nil
}
