package executor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/session"
)

const eventWriteTimeout = 10 * time.Second

// eventHub fans the session manager's single event channel out to every
// connected websocket subscriber. Slow subscribers drop events instead of
// stalling the hub.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan session.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan session.Event]struct{})}
}

// run consumes events until ctx is cancelled or the source closes.
func (h *eventHub) run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *eventHub) broadcast(ev session.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) subscribe() chan session.Event {
	ch := make(chan session.Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan session.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already ran in the middleware chain; the origin check adds
	// nothing for a service-to-service API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams session lifecycle events over a websocket until the
// client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		klog.Warningf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Drain reads so close frames from the client are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
