package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mosaicprotocol/coordinator/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// Feed streams coordinator events to websocket clients. Each client gets its
// own bus subscription; a slow client loses events rather than stalling the
// engines.
type Feed struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]func()
	closed bool
}

// NewFeed creates a feed over the bus.
func NewFeed(bus *events.Bus) *Feed {
	return &Feed{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[EventFeed] ", log.LstdFlags),
		conns:  make(map[*websocket.Conn]func()),
	}
}

// HandleWS upgrades the request and streams events until the client leaves.
func (f *Feed) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("upgrade failed: %v", err)
		return
	}

	ch, cancel := f.bus.Subscribe()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		cancel()
		conn.Close()
		return
	}
	f.conns[conn] = cancel
	n := len(f.conns)
	f.mu.Unlock()
	f.logger.Printf("client connected (total %d)", n)

	go f.writeLoop(conn, ch)
	f.readLoop(conn)
}

// writeLoop pushes events and pings. It owns all writes to the conn.
func (f *Feed) writeLoop(conn *websocket.Conn, ch <-chan *events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				f.drop(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.drop(conn)
				return
			}
		}
	}
}

// readLoop drains the client so pongs and close frames are processed.
func (f *Feed) readLoop(conn *websocket.Conn) {
	defer f.drop(conn)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	cancel, ok := f.conns[conn]
	if ok {
		delete(f.conns, conn)
	}
	n := len(f.conns)
	f.mu.Unlock()

	if ok {
		cancel()
		conn.Close()
		f.logger.Printf("client disconnected (total %d)", n)
	}
}

// Close disconnects every client.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		f.drop(c)
	}
}
