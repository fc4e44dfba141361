package at

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned when the modem did not answer in time
	ErrTimeout = errors.New("AT command timeout")

	// ErrNotBound is returned when the channel has no transport, e.g.
	// while the UART is handed over to the multiplexer
	ErrNotBound = errors.New("AT channel not bound")

	// ErrClosed is returned when the transport went away
	ErrClosed = errors.New("AT channel closed")
)

// CommandError is a final result other than OK. Code is the +CME/+CMS
// error number, or -1 for a plain ERROR or call result.
type CommandError struct {
	Command string
	Result  string
	Code    int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Result)
}

func newCommandError(cmd, result string) *CommandError {
	e := &CommandError{Command: cmd, Result: result, Code: -1}
	for _, p := range []string{CmeError, CmsError} {
		if strings.HasPrefix(result, p) {
			if code, err := strconv.Atoi(strings.TrimSpace(result[len(p):])); err == nil {
				e.Code = code
			}
		}
	}
	return e
}

// CMECode returns the +CME/+CMS error number of err, or -1
func CMECode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}
