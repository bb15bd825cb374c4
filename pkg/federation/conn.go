package federation

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout  = 10 * time.Second
	sendQueueSize = 64
)

// peerConn is one live duplex connection to a peer. Writes go through
// a buffered queue drained by a single writer goroutine; gorilla
// websocket permits only one concurrent writer per connection.
type peerConn struct {
	identity string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

func newPeerConn(identity string, ws *websocket.Conn, logger *zap.Logger) *peerConn {
	return &peerConn{
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// enqueue queues a frame for the writer goroutine. A full queue counts
// as a dead peer rather than blocking the caller.
func (pc *peerConn) enqueue(frame []byte) error {
	select {
	case <-pc.done:
		return ErrNotConnected
	default:
	}
	select {
	case pc.send <- frame:
		return nil
	default:
		return ErrNotConnected
	}
}

// writePump drains the send queue onto the socket until the connection
// closes.
func (pc *peerConn) writePump() {
	for {
		select {
		case frame := <-pc.send:
			_ = pc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := pc.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				pc.logger.Debug("peer write failed",
					zap.String("peer", pc.identity),
					zap.Error(err))
				pc.close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

// readPump reads frames and hands them to onFrame until the socket
// closes, then invokes onClose exactly once.
func (pc *peerConn) readPump(onFrame func(identity string, frame []byte), onClose func(identity string)) {
	defer func() {
		pc.close()
		onClose(pc.identity)
	}()
	for {
		_, frame, err := pc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				pc.logger.Debug("peer read failed",
					zap.String("peer", pc.identity),
					zap.Error(err))
			}
			return
		}
		onFrame(pc.identity, frame)
	}
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.done)
		_ = pc.ws.Close()
	})
}

func (pc *peerConn) closed() bool {
	select {
	case <-pc.done:
		return true
	default:
		return false
	}
}
