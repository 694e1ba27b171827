package monitor

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/metrics"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream carries no browser credentials; origin checks add
	// nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// stream fans bus events out to WebSocket clients. Each client gets its
// own bus subscription, so a slow client is disconnected by the bus
// without affecting anyone else. No history is replayed on reconnect.
type stream struct {
	bus       *events.Bus
	maxSubs   int
	heartbeat time.Duration
	log       *logrus.Entry

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

func newStream(bus *events.Bus, maxSubs int, heartbeat time.Duration, log *logrus.Entry) *stream {
	return &stream{
		bus:       bus,
		maxSubs:   maxSubs,
		heartbeat: heartbeat,
		log:       log,
		clients:   make(map[string]*websocket.Conn),
	}
}

// handle upgrades one client and pumps events until it disconnects.
// The topic filter comes from ?topics=a,b; wildcards like log.* work.
func (st *stream) handle(w http.ResponseWriter, r *http.Request) {
	st.mu.Lock()
	if len(st.clients) >= st.maxSubs {
		st.mu.Unlock()
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}
	st.mu.Unlock()

	var filters []events.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filters = append(filters, events.Topic(t))
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		st.log.WithError(err).Debug("stream upgrade failed")
		return
	}

	id := uuid.NewString()
	st.mu.Lock()
	st.clients[id] = conn
	n := len(st.clients)
	st.mu.Unlock()
	metrics.MonitorSubscribers.Set(float64(n))
	st.log.WithFields(logrus.Fields{"client": id, "total": n}).Debug("stream client connected")

	sub := st.bus.Subscribe(0, filters...)
	go st.readPump(id, conn, sub)
	st.writePump(id, conn, sub)
}

// readPump drains control frames so pings and close frames are
// processed, and tears the client down on read error.
func (st *stream) readPump(id string, conn *websocket.Conn, sub *events.Subscription) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			sub.Close()
			st.drop(id, conn)
			return
		}
	}
}

// writePump forwards events and heartbeats until the subscription or
// the connection dies.
func (st *stream) writePump(id string, conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(st.heartbeat)
	defer func() {
		ticker.Stop()
		sub.Close()
		st.drop(id, conn)
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				// Bus disconnected us (overflow) or shut down.
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			beat := events.Event{Topic: events.TopicHeartbeat, Time: time.Now().UTC()}
			if err := conn.WriteJSON(beat); err != nil {
				return
			}
		}
	}
}

func (st *stream) drop(id string, conn *websocket.Conn) {
	conn.Close()
	st.mu.Lock()
	if _, ok := st.clients[id]; ok {
		delete(st.clients, id)
	}
	n := len(st.clients)
	st.mu.Unlock()
	metrics.MonitorSubscribers.Set(float64(n))
}

// closeAll disconnects every client during server shutdown.
func (st *stream) closeAll() {
	st.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(st.clients))
	for _, c := range st.clients {
		conns = append(conns, c)
	}
	st.clients = make(map[string]*websocket.Conn)
	st.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	metrics.MonitorSubscribers.Set(0)
}

// clientCount reports connected stream clients.
func (st *stream) clientCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.clients)
}
