package render

import (
	"context"
	"errors"
)

// Engine creates rendering handles. A handle wraps one exclusively-held
// instance of the underlying layout/paint engine; it is not safe for
// concurrent use and is pooled by the caller.
type Engine interface {
	NewHandle(ctx context.Context) (Handle, error)
}

// Handle performs one render at a time on its underlying engine instance.
type Handle interface {
	Render(ctx context.Context, req Request) ([]byte, error)
	Close() error
}

var (
	// ErrTimeout is returned when a render exceeds its per-render budget.
	// The holding handle must be recycled, not released.
	ErrTimeout = errors.New("render timeout exceeded")

	// ErrEngine is returned when the engine crashed or produced malformed
	// output. The holding handle must be recycled.
	ErrEngine = errors.New("render engine failure")
)
