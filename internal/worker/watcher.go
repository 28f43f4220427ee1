package worker

import (
	"sync"
	"time"

	"github.com/aistudioproxy/gateway/internal/errdefs"
	"github.com/aistudioproxy/gateway/internal/promise"
	"github.com/aistudioproxy/gateway/internal/queue"
)

// defaultProbeInterval is how often a watcher polls client liveness.
const defaultProbeInterval = 300 * time.Millisecond

// Watcher polls a client-liveness probe in the background until its owning
// operation finishes or the client is found gone. A probe failure counts as
// gone: early termination beats accumulating abandoned work.
type Watcher struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func watch(probe queue.Probe, interval time.Duration, onGone func()) *Watcher {
	w := &Watcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if probe != nil && !probe() {
					onGone()
					return
				}
			}
		}
	}()
	return w
}

// Stop cancels the watcher and joins it. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

// watchStreaming fires the stream's completion signal when the client goes
// away, so the frame generator exits instead of pushing into the void.
func watchStreaming(it *queue.Item, completion *promise.Signal, interval time.Duration) *Watcher {
	return watch(it.Alive, interval, func() {
		completion.Set()
	})
}

// watchResult fails the item's promise when the client goes away mid-wait.
func watchResult(it *queue.Item, interval time.Duration) *Watcher {
	return watch(it.Alive, interval, func() {
		it.Result.SetError(errdefs.ClientGone(it.ReqID, "client disconnected during processing"))
	})
}
