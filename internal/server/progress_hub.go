package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/uteki/uteki/internal/modules/arena"
)

const progressWriteTimeout = 5 * time.Second

// ProgressHub fans arena progress events out to websocket subscribers.
// Implements the arena's progress sink; a run with no subscribers costs
// one mutex acquisition per event.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	log         zerolog.Logger
}

type subscriber struct {
	events chan arena.ProgressEvent
}

// subscriberBuffer bounds per-client memory; slow clients drop events
const subscriberBuffer = 64

func NewProgressHub(log zerolog.Logger) *ProgressHub {
	return &ProgressHub{
		subscribers: map[*subscriber]struct{}{},
		log:         log.With().Str("component", "progress_hub").Logger(),
	}
}

// Publish implements arena.ProgressSink. Never blocks the arena: full
// subscriber buffers are skipped.
func (h *ProgressHub) Publish(event arena.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.events <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of connected clients
func (h *ProgressHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *ProgressHub) add(sub *subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *ProgressHub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams progress events until the
// client disconnects.
func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	sub := &subscriber{events: make(chan arena.ProgressEvent, subscriberBuffer)}
	h.add(sub)
	defer h.remove(sub)

	h.log.Debug().Msg("Progress subscriber connected")
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-sub.events:
			writeCtx, cancel := context.WithTimeout(ctx, progressWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Progress subscriber dropped")
				return
			}
		}
	}
}
