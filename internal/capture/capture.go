// Package capture ingests normalized response records from the out-of-process
// capture agent and republishes them on a buffered feed the bridge consumes.
//
// The agent connects over websocket and pushes one JSON record per observed
// response fragment. The feed is drained (not closed) between requests so
// residue from an aborted exchange cannot leak into the next one.
package capture

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/infrastructure/logging"
)

// FunctionCall is one upstream function invocation reported in a terminal
// record. Params arrive as already-parsed JSON.
type FunctionCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Record is one normalized fragment pushed by the capture agent. Body and
// Reason are cumulative snapshots, not deltas.
type Record struct {
	Done     bool           `json:"done"`
	Body     string         `json:"body"`
	Reason   string         `json:"reason"`
	Function []FunctionCall `json:"function,omitempty"`
	Error    bool           `json:"error,omitempty"`
	Status   int            `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// HasContent reports whether the record carries any text.
func (r Record) HasContent() bool {
	return r.Body != "" || r.Reason != ""
}

// Err translates an error record into a typed pipeline error, or nil for
// ordinary records. Status 429 and quota-flavored messages rotate profiles
// immediately; anything else is an upstream failure for the tier loop.
func (r Record) Err(reqID string) error {
	if !r.Error {
		return nil
	}
	msg := r.Message
	if msg == "" {
		msg = "unknown upstream error"
	}
	if r.Status == 429 || strings.Contains(strings.ToLower(msg), "quota") {
		return errdefs.Quota(reqID, "backend quota exceeded: "+msg)
	}
	return errdefs.Upstream(reqID, r.Status, "backend error: "+msg)
}

// Feed is the process-wide record buffer between the capture agent and the
// bridge. One producer (the agent connection), one consumer (the worker's
// bridge); both sides only ever poll, so the feed never blocks.
type Feed struct {
	records   chan Record
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	dropped   atomic.Int64
	accepted  prometheus.Counter
	upgrader  websocket.Upgrader
	log       *logging.Logger
}

// NewFeed creates a feed with the given buffer capacity.
func NewFeed(buffer int, log *logging.Logger) *Feed {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Feed{
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// The agent is a local sidecar; no cross-origin callers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Push offers a record to the feed without blocking. Records pushed after
// Close, or while the buffer is full, are dropped.
func (f *Feed) Push(rec Record) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.records <- rec:
		if f.accepted != nil {
			f.accepted.Inc()
		}
		return true
	default:
		n := f.dropped.Add(1)
		f.log.Warn("capture feed full, dropping record", zap.Int64("dropped_total", n))
		return false
	}
}

// Poll takes the oldest buffered record without blocking.
func (f *Feed) Poll() (Record, bool) {
	select {
	case rec := <-f.records:
		return rec, true
	default:
		return Record{}, false
	}
}

// Drain discards every buffered record and returns how many were removed.
// Called between requests while the session mutex is still held.
func (f *Feed) Drain() int {
	cleared := 0
	for {
		if _, ok := f.Poll(); !ok {
			return cleared
		}
		cleared++
	}
}

// CountWith records accepted pushes on the given counter.
func (f *Feed) CountWith(c prometheus.Counter) {
	f.accepted = c
}

// Connected reports whether a capture agent is currently attached.
func (f *Feed) Connected() bool {
	return f.connected.Load()
}

// Close stops the feed at process shutdown. Idempotent.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// HandleAgent upgrades the agent's HTTP request to a websocket and pumps its
// records into the feed until the connection drops or the feed closes.
func (f *Feed) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("capture agent upgrade failed", zap.Error(err))
		return
	}
	f.connected.Store(true)
	f.log.Info("capture agent connected", zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		f.connected.Store(false)
		conn.Close()
		f.log.Info("capture agent disconnected")
	}()

	for {
		select {
		case <-f.done:
			return
		default:
		}
		var rec Record
		if err := conn.ReadJSON(&rec); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.log.Warn("capture agent read error", zap.Error(err))
			}
			return
		}
		f.Push(rec)
	}
}
