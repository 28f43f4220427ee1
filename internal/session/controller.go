// Package session owns everything about the single shared remote session:
// the controller boundary that drives it, the process-wide state guarded by
// the lock hierarchy, auth-profile rotation, and the model manifest.
package session

import "context"

// Params are the sampling parameters pushed to the remote session before a
// submit. Nil fields mean "leave the widget alone".
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
}

// Controller is the opaque capability that drives the browser-automated
// session. Implementations live on the other side of an HTTP control API;
// DOM-level details never cross this boundary.
type Controller interface {
	// IsReady reports whether the session can take a request right now.
	IsReady(ctx context.Context) bool

	// Submit sends the assembled prompt into the session.
	Submit(ctx context.Context, reqID, prompt string) error

	// SwitchModel changes the session's active model.
	SwitchModel(ctx context.Context, modelID string) error

	// AdjustParameters applies sampling parameters to the session.
	AdjustParameters(ctx context.Context, p Params) error

	// AwaitFinalContent blocks until the response text has settled and
	// returns it. Used by the scrape bridge when no capture agent runs.
	AwaitFinalContent(ctx context.Context, reqID string) (string, error)

	// ClearHistory wipes the session's chat history.
	ClearHistory(ctx context.Context) error

	// ReloadPage soft-resets the session page (Tier 1 recovery).
	ReloadPage(ctx context.Context) error

	// Reconnect tears the session down and rebuilds it against the given
	// auth profile (Tier 2 recovery).
	Reconnect(ctx context.Context, profilePath string) error
}
