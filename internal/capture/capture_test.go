package capture

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
)

func newTestFeed(buffer int) *Feed {
	return NewFeed(buffer, logging.NewNop())
}

func TestPushPollFIFO(t *testing.T) {
	f := newTestFeed(8)

	require.True(t, f.Push(Record{Body: "a"}))
	require.True(t, f.Push(Record{Body: "ab"}))
	require.True(t, f.Push(Record{Done: true, Body: "ab"}))

	rec, ok := f.Poll()
	require.True(t, ok)
	assert.Equal(t, "a", rec.Body)

	rec, ok = f.Poll()
	require.True(t, ok)
	assert.Equal(t, "ab", rec.Body)

	rec, ok = f.Poll()
	require.True(t, ok)
	assert.True(t, rec.Done)

	_, ok = f.Poll()
	assert.False(t, ok)
}

func TestPushDropsWhenFull(t *testing.T) {
	f := newTestFeed(2)

	assert.True(t, f.Push(Record{Body: "1"}))
	assert.True(t, f.Push(Record{Body: "2"}))
	assert.False(t, f.Push(Record{Body: "3"}))

	rec, ok := f.Poll()
	require.True(t, ok)
	assert.Equal(t, "1", rec.Body)
}

func TestDrain(t *testing.T) {
	f := newTestFeed(8)
	for i := 0; i < 5; i++ {
		f.Push(Record{Body: "x"})
	}

	assert.Equal(t, 5, f.Drain())
	assert.Equal(t, 0, f.Drain())
	_, ok := f.Poll()
	assert.False(t, ok)
}

func TestPushAfterClose(t *testing.T) {
	f := newTestFeed(8)
	f.Close()
	f.Close() // idempotent

	assert.False(t, f.Push(Record{Body: "late"}))
	_, ok := f.Poll()
	assert.False(t, ok)
}

func TestRecordHasContent(t *testing.T) {
	assert.False(t, Record{}.HasContent())
	assert.True(t, Record{Body: "hi"}.HasContent())
	assert.True(t, Record{Reason: "thinking"}.HasContent())
}

func TestRecordErr(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		kind errdefs.Kind
	}{
		{"plain record", Record{Body: "ok"}, errdefs.KindInternal}, // no error at all
		{"quota by status", Record{Error: true, Status: 429, Message: "slow down"}, errdefs.KindQuotaExceeded},
		{"quota by message", Record{Error: true, Status: 500, Message: "Quota exceeded for project"}, errdefs.KindQuotaExceeded},
		{"upstream", Record{Error: true, Status: 500, Message: "internal failure"}, errdefs.KindUpstream},
		{"no message", Record{Error: true, Status: 503}, errdefs.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Err("req1234")
			if !tt.rec.Error {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, errdefs.KindOf(err))
			assert.Contains(t, err.Error(), "req1234")
		})
	}
}

func TestHandleAgentIngest(t *testing.T) {
	f := newTestFeed(8)
	srv := httptest.NewServer(http.HandlerFunc(f.HandleAgent))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, f.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Record{Body: "partial"}))
	require.NoError(t, conn.WriteJSON(Record{
		Done: true,
		Body: "partial done",
		Function: []FunctionCall{
			{Name: "get_weather", Params: map[string]any{"city": "Oslo"}},
		},
	}))

	var got []Record
	require.Eventually(t, func() bool {
		for {
			rec, ok := f.Poll()
			if !ok {
				break
			}
			got = append(got, rec)
		}
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "partial", got[0].Body)
	assert.True(t, got[1].Done)
	require.Len(t, got[1].Function, 1)
	assert.Equal(t, "get_weather", got[1].Function[0].Name)
	assert.Equal(t, "Oslo", got[1].Function[0].Params["city"])

	conn.Close()
	require.Eventually(t, func() bool { return !f.Connected() }, time.Second, 5*time.Millisecond)
}
