package session

import (
	"sync"
	"sync/atomic"
)

// State is the process-wide mutable session state, created once at startup
// and injected everywhere that needs it.
//
// Lock hierarchy, always acquired in this order and never reversed:
// session mutex → model-switch mutex → parameter-cache mutex.
type State struct {
	sessionMu sync.Mutex // serializes whole-request access to the session
	modelMu   sync.Mutex // guards currentModel
	paramsMu  sync.Mutex // guards lastParams

	busy atomic.Bool // true while the worker holds sessionMu

	currentModel string
	lastParams   appliedParams

	profiles *ProfileRing
}

// appliedParams remembers what was last pushed to the session so unchanged
// requests skip the widget round-trip.
type appliedParams struct {
	valid       bool
	model       string
	temperature *float64
	topP        *float64
	maxTokens   *int
	stop        []string
}

// NewState creates session state starting on the given model.
func NewState(defaultModel string, profiles *ProfileRing) *State {
	return &State{currentModel: defaultModel, profiles: profiles}
}

// Lock acquires the session mutex. Exactly one request's body runs between
// Lock and Unlock.
func (s *State) Lock() {
	s.sessionMu.Lock()
	s.busy.Store(true)
}

// Unlock releases the session mutex.
func (s *State) Unlock() {
	s.busy.Store(false)
	s.sessionMu.Unlock()
}

// Busy reports whether the worker currently holds the session mutex. Status
// endpoints read this without touching the mutex itself.
func (s *State) Busy() bool {
	return s.busy.Load()
}

// CurrentModel returns the session's active model id.
func (s *State) CurrentModel() string {
	s.modelMu.Lock()
	defer s.modelMu.Unlock()
	return s.currentModel
}

// SetCurrentModel records a completed model switch.
func (s *State) SetCurrentModel(id string) {
	s.modelMu.Lock()
	s.currentModel = id
	s.modelMu.Unlock()
}

// NeedsSwitch reports whether serving the requested model requires a switch.
// An empty requested model means "whatever is active".
func (s *State) NeedsSwitch(requested string) bool {
	if requested == "" {
		return false
	}
	return s.CurrentModel() != requested
}

// ParamsChanged reports whether p differs from what was last applied for
// model, and if so remembers p as the new baseline. Called with the session
// mutex held.
func (s *State) ParamsChanged(model string, p Params) bool {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()

	if s.lastParams.valid && s.lastParams.model == model &&
		floatPtrEq(s.lastParams.temperature, p.Temperature) &&
		floatPtrEq(s.lastParams.topP, p.TopP) &&
		intPtrEq(s.lastParams.maxTokens, p.MaxTokens) &&
		stringsEq(s.lastParams.stop, p.Stop) {
		return false
	}

	s.lastParams = appliedParams{
		valid:       true,
		model:       model,
		temperature: p.Temperature,
		topP:        p.TopP,
		maxTokens:   p.MaxTokens,
		stop:        append([]string(nil), p.Stop...),
	}
	return true
}

// InvalidateParams forgets the applied-parameter baseline. Called after a
// reload or reconnect, when the session's widgets are back at defaults.
func (s *State) InvalidateParams() {
	s.paramsMu.Lock()
	s.lastParams = appliedParams{}
	s.paramsMu.Unlock()
}

// Profiles returns the auth-profile rotation.
func (s *State) Profiles() *ProfileRing {
	return s.profiles
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringsEq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
