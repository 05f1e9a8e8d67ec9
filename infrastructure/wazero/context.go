package wazero

import (
	"context"

	ferrors "github.com/reglet-dev/filament-host/domain/errors"
	"github.com/reglet-dev/filament-host/domain/ports"
)

// contextKey is a private type for context keys.
type contextKey struct {
	name string
}

var turnKey = &contextKey{name: "turn"}

// withTurn binds the turn that host imports act on.
func withTurn(ctx context.Context, tc ports.TurnContext) context.Context {
	return context.WithValue(ctx, turnKey, tc)
}

// TurnFromContext returns the turn bound to ctx.
func TurnFromContext(ctx context.Context) (ports.TurnContext, bool) {
	tc, ok := ctx.Value(turnKey).(ports.TurnContext)
	return tc, ok
}

func turnFor(ctx context.Context, op string) (ports.TurnContext, error) {
	tc, ok := TurnFromContext(ctx)
	if !ok {
		return nil, ferrors.New(ferrors.InvalidArgument, op, "no turn in progress")
	}
	return tc, nil
}
