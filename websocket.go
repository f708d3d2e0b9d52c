package main

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Recent events replayed to a client on connect
	eventBacklogSize = 100

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin filtering is the reverse proxy's job
	},
}

// EventStreamServer serves transmission events to WebSocket clients. Each
// client gets its own event bus subscription plus a replay of the recent
// event backlog on connect.
type EventStreamServer struct {
	events *EventBus

	backlog   []Event
	backlogMu sync.RWMutex

	clientCount int
	countMu     sync.Mutex
}

// NewEventStreamServer creates the server and starts backlog collection
func NewEventStreamServer(events *EventBus) *EventStreamServer {
	s := &EventStreamServer{events: events}
	go s.collectBacklog()
	return s
}

// collectBacklog keeps the ring of recent events used for connect replay
func (s *EventStreamServer) collectBacklog() {
	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	for event := range ch {
		s.backlogMu.Lock()
		s.backlog = append(s.backlog, event)
		if len(s.backlog) > eventBacklogSize {
			s.backlog = s.backlog[len(s.backlog)-eventBacklogSize:]
		}
		s.backlogMu.Unlock()
	}
}

// HandleWebSocket upgrades the connection and streams events until the
// client disconnects
func (s *EventStreamServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.countMu.Lock()
	s.clientCount++
	count := s.clientCount
	s.countMu.Unlock()
	defer func() {
		s.countMu.Lock()
		s.clientCount--
		s.countMu.Unlock()
	}()

	log.Printf("Event stream client connected from %s (%d active)", r.RemoteAddr, count)

	// Writes come from the event loop and the ping ticker; serialize them
	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(v)
	}

	// Replay the backlog so late subscribers see recent history
	s.backlogMu.RLock()
	backlog := make([]Event, len(s.backlog))
	copy(backlog, s.backlog)
	s.backlogMu.RUnlock()

	for _, event := range backlog {
		if err := writeJSON(event); err != nil {
			return
		}
	}

	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	// Reader goroutine: we never expect client messages, but reading
	// surfaces disconnects and pong frames
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-done:
			log.Printf("Event stream client %s disconnected", r.RemoteAddr)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := writeJSON(event); err != nil {
				return
			}
		case <-pingTicker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (s *EventStreamServer) ClientCount() int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.clientCount
}
