package server

import (
	"sync"
	"time"

	"github.com/cadenzalab/woodshed/backend/internal/realtime"
	"github.com/gorilla/websocket"
)

const socketWriteTimeout = 10 * time.Second

// socketPeer adapts a websocket connection to the coordinator's Peer
// interface. The coordinator is the only goroutine sending frames, but Close
// can race with a send, so writes are serialized with a mutex.
type socketPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSocketPeer(conn *websocket.Conn) *socketPeer {
	return &socketPeer{conn: conn}
}

// Send marshals one frame to the device.
func (p *socketPeer) Send(msg *realtime.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteJSON(msg)
}

// Close performs a normal-closure handshake and tears down the socket.
func (p *socketPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	deadline := time.Now().Add(socketWriteTimeout)
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return p.conn.Close()
}
