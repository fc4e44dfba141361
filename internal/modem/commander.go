package modem

import (
	"context"

	"cellular-service/internal/at"
)

// Commander runs AT commands and routes URCs. *at.Channel satisfies it.
type Commander interface {
	Command(ctx context.Context, cmd string) ([]string, error)
	// CommandSecret is Command for commands carrying a PIN or password;
	// only logged is ever written to logs or errors
	CommandSecret(ctx context.Context, cmd, logged string) ([]string, error)
	AddURCHandler(prefix string, fn func(line string))
	RemoveURCHandler(prefix string)
}

var _ Commander = (*at.Channel)(nil)

// CME error numbers from 27.007 section 9.2
const (
	CMEOperationNotSupported = 4
	CMESimNotInserted        = 10
	CMESimPukRequired        = 12
	CMEIncorrectPassword     = 16
)

func nopLogger(string, ...interface{}) {}
