package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// StreamConn is the optional secondary connection: a websocket
// newHeads subscription used only as a liveness signal and a cheap
// head-height cache. Everything the subsystem does works without it;
// the monitor falls back to polling when it is absent.
type StreamConn struct {
	endpoint string
	conn     *websocket.Conn
	log      *slog.Logger

	mu       sync.RWMutex
	head     uint64
	lastSeen time.Time
	closed   bool

	cancel context.CancelFunc
}

// DialStream connects and subscribes to newHeads. The read loop runs
// until Close or a read error.
func DialStream(ctx context.Context, endpoint string, log *slog.Logger) (*StreamConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream endpoint: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	sub := rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		Params:  []any{"newHeads"},
		ID:      1,
	}
	body, _ := json.Marshal(sub)
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("subscribe newHeads: %w", err)
	}

	// First frame is the subscription ack.
	if _, _, err := conn.Read(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe ack failed")
		return nil, fmt.Errorf("read subscription ack: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &StreamConn{
		endpoint: endpoint,
		conn:     conn,
		log:      log,
		lastSeen: time.Now(),
		cancel:   cancel,
	}
	go s.readLoop(loopCtx)
	return s, nil
}

func (s *StreamConn) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.closed = true
			s.mu.Unlock()
			if !closed {
				s.log.Warn("stream connection lost, polling continues", "endpoint", s.endpoint, "error", err)
			}
			return
		}

		var note struct {
			Params struct {
				Result struct {
					Number string `json:"number"`
				} `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(data, &note); err != nil {
			continue
		}
		height, err := HexUint64(note.Params.Result.Number)
		if err != nil {
			continue
		}

		s.mu.Lock()
		if height > s.head {
			s.head = height
		}
		s.lastSeen = time.Now()
		s.mu.Unlock()
	}
}

// Head returns the latest height seen on the subscription and whether
// the connection is still believed live.
func (s *StreamConn) Head() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, !s.closed
}

// Close tears down the subscription.
func (s *StreamConn) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
