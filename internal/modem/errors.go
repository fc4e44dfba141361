package modem

import (
	"context"

	"github.com/pkg/errors"

	"cellular-service/internal/at"
	"cellular-service/internal/cellular"
)

// tag maps an AT failure to a cellular error kind. pinEntry turns the
// password related CME errors into KindAuth so the state machine stops
// instead of burning PIN attempts.
func tag(err error, pinEntry bool) error {
	if err == nil {
		return nil
	}

	var ce *at.CommandError
	switch {
	case errors.Is(err, at.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return cellular.NewError(cellular.KindTimeout, err)
	case errors.As(err, &ce):
		switch {
		case ce.Code == CMEOperationNotSupported:
			return cellular.NewError(cellular.KindUnsupported, err)
		case pinEntry && (ce.Code == CMEIncorrectPassword || ce.Code == CMESimPukRequired):
			return cellular.NewError(cellular.KindAuth, err)
		}
		return cellular.NewError(cellular.KindBadResponse, err)
	}
	return cellular.NewError(cellular.KindTransport, err)
}

func badResponse(cmd string, lines []string) error {
	return cellular.Errorf(cellular.KindBadResponse, "%s: unexpected response %q", cmd, lines)
}
