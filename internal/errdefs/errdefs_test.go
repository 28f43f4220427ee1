package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter int
	}{
		{"client gone", ClientGone("abc1234", ""), 499, 0},
		{"cancelled", Cancelled("abc1234"), 499, 0},
		{"quota", Quota("abc1234", "quota exceeded"), 429, 30},
		{"upstream default", Upstream("abc1234", 0, "boom"), 502, 0},
		{"upstream explicit", Upstream("abc1234", 503, "busy"), 503, 0},
		{"session not ready", SessionNotReady("abc1234"), 503, 30},
		{"timeout", Timeout("abc1234", ""), 504, 0},
		{"plain error", errors.New("boom"), 500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, retryAfter := HTTPStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryAfter, retryAfter)
		})
	}
}

func TestIsQuota(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		quota bool
	}{
		{"typed quota", Quota("r", "over limit"), true},
		{"substring 429", errors.New("upstream said 429"), true},
		{"substring rate limit", errors.New("Rate Limit hit"), true},
		{"substring too many requests", errors.New("Too Many Requests"), true},
		{"substring quota", Upstream("r", 502, "daily Quota used up"), true},
		{"substring exceeded", errors.New("budget exceeded"), true},
		{"plain failure", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quota, IsQuota(tt.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(ClientGone("r", "")))
	assert.True(t, IsTerminal(Cancelled("r")))
	assert.True(t, IsTerminal(Timeout("r", "")))
	assert.True(t, IsTerminal(RecoveryExhausted("r", "all profiles failed")))
	assert.False(t, IsTerminal(Upstream("r", 502, "boom")))
	assert.False(t, IsTerminal(EmptyResponse("r")))
	assert.False(t, IsTerminal(errors.New("anything")))
}

func TestErrorFormatting(t *testing.T) {
	err := Upstream("xyz9876", 502, "backend rejected request")
	assert.Equal(t, "[xyz9876] backend rejected request", err.Error())

	wrapped := fmt.Errorf("attempt 2: %w", err)
	require.True(t, errors.Is(wrapped, &Error{Kind: KindUpstream}))
	assert.Equal(t, KindUpstream, KindOf(wrapped))

	cause := errors.New("root cause")
	internal := Internal("r", "unexpected", cause)
	assert.ErrorIs(t, internal, cause)
}
