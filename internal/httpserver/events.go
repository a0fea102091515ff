package httpserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/hap-rtp-relay/internal/relay"
)

const (
	wsWriteWait  = 1 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = wsPingPeriod + 10*time.Second
)

// EventHub fans relay events out to WebSocket subscribers. It implements
// relay.EventSink. Each subscriber has a bounded queue; when it is full the
// event is dropped for that subscriber only.
type EventHub struct {
	log     *slog.Logger
	bufSize int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch      chan relay.Event
	done    chan struct{}
	once    sync.Once
	dropped uint64
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func NewEventHub(bufSize int, logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = 64
	}
	return &EventHub{
		log:      logger,
		bufSize:  bufSize,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the server's origin middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

var _ relay.EventSink = (*EventHub)(nil)

func (h *EventHub) Publish(ev relay.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) subscribe() (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{
		ch:   make(chan relay.Event, h.bufSize),
		done: make(chan struct{}),
	}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *EventHub) unsubscribe(sub *subscriber) (dropped uint64) {
	h.mu.Lock()
	delete(h.subs, sub)
	dropped = sub.dropped
	h.mu.Unlock()
	sub.close()
	return dropped
}

// Close disconnects every subscriber and rejects new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subscribe()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "event stream closed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unsubscribe(sub)
		return
	}
	defer conn.Close()

	log := h.log.With("remote_addr", r.RemoteAddr)
	log.Debug("event subscriber connected")

	// Subscribers never send data; the read loop only notices disconnects and
	// services pongs.
	go func() {
		defer sub.close()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				dropped := h.unsubscribe(sub)
				log.Debug("event subscriber write failed", "err", err, "dropped", dropped)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				h.unsubscribe(sub)
				return
			}
		case <-sub.done:
			dropped := h.unsubscribe(sub)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			log.Debug("event subscriber disconnected", "dropped", dropped)
			return
		}
	}
}
