package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pumpdump/game-engine/internal/metrics"
	"github.com/pumpdump/game-engine/internal/model"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 4096
	sendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins; callers are authenticated by signature.
	},
}

// client is one connected socket. The round actor owns membership; the
// writer goroutine is the only one writing to conn.
type client struct {
	conn *websocket.Conn
	user string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, user string) *client {
	return &client{
		conn: conn,
		user: user,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false if the client
// is gone or too slow to keep up.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func encodeResponse(id uuid.UUID, resp model.WsResp) []byte {
	data, err := json.Marshal(model.WsResponse{RequestID: id, Response: resp})
	if err != nil {
		slog.Error("ws encode failed", "err", err)
		return nil
	}
	return data
}

// broadcast sends an event to every socket of the round. Slow sockets are
// dropped rather than allowed to stall the actor.
func (r *round) broadcast(resp model.WsResp) {
	if len(r.clients) == 0 {
		return
	}
	frame := encodeResponse(model.BroadcastID, resp)
	if frame == nil {
		return
	}
	for c := range r.clients {
		if !c.enqueue(frame) {
			delete(r.clients, c)
			c.close()
			metrics.WebSocketClients.Dec()
		}
	}
}

// join registers c with the round and queues its welcome event.
func (s *Service) join(ctx context.Context, gameCanister, tokenRoot string, c *client) error {
	return s.do(ctx, gameCanister, tokenRoot, func(ctx context.Context, r *round) error {
		counts, err := r.load(ctx, s.store)
		if err != nil {
			return err
		}
		bets, err := r.loadBets(ctx, s.store)
		if err != nil {
			return err
		}
		r.clients[c] = struct{}{}
		metrics.WebSocketClients.Inc()
		c.enqueue(encodeResponse(model.BroadcastID, model.WsResp{WelcomeEvent: &model.WelcomeEvent{
			Round:       counts.round,
			Pool:        counts.pumps + counts.dumps,
			PlayerCount: uint64(len(r.clients)),
			UserBets:    bets[c.user],
		}}))
		return nil
	})
}

func (s *Service) leave(gameCanister, tokenRoot string, c *client) {
	err := s.do(context.Background(), gameCanister, tokenRoot, func(_ context.Context, r *round) error {
		if _, ok := r.clients[c]; ok {
			delete(r.clients, c)
			metrics.WebSocketClients.Dec()
		}
		return nil
	})
	if err != nil {
		slog.Warn("ws leave failed", "user", c.user, "err", err)
	}
	c.close()
}

// ServeWS upgrades an authenticated request and attaches the socket to the
// round of (gameCanister, tokenRoot) on behalf of userCanister.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request, gameCanister, tokenRoot, userCanister string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := newClient(conn, userCanister)
	go c.writeLoop()
	if err := s.join(context.Background(), gameCanister, tokenRoot, c); err != nil {
		slog.Error("ws join failed", "user", userCanister, "err", err)
		c.close()
		return
	}
	slog.Info("ws client connected", "game", gameCanister, "token", tokenRoot, "user", userCanister)

	go s.readLoop(gameCanister, tokenRoot, c)
}

// readLoop handles the client's bets until the socket closes.
func (s *Service) readLoop(gameCanister, tokenRoot string, c *client) {
	defer s.leave(gameCanister, tokenRoot, c)

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			c.enqueue(encodeResponse(uuid.Nil, errorResp(model.ErrUnknownRequest)))
			continue
		}
		req, err := model.ParseWsRequest(data)
		if err != nil {
			c.enqueue(encodeResponse(uuid.Nil, errorResp(err)))
			continue
		}

		bet := req.Msg.Bet
		res, err := s.PlaceBet(context.Background(), gameCanister, tokenRoot, c.user, bet.Direction, bet.Round)
		if err != nil {
			c.enqueue(encodeResponse(req.RequestID, errorResp(err)))
			continue
		}
		c.enqueue(encodeResponse(req.RequestID, model.WsResp{BetSuccessful: &model.BetSuccessful{Round: res.Round}}))
	}
}

// errorResp hides infrastructure details from clients.
func errorResp(err error) model.WsResp {
	var reason string
	switch {
	case errors.Is(err, model.ErrRoundMismatch):
		reason = model.ErrRoundMismatch.Error()
	case errors.Is(err, model.ErrInsufficientBalance):
		reason = model.ErrInsufficientBalance.Error()
	case errors.Is(err, model.ErrUnknownRequest):
		reason = model.ErrUnknownRequest.Error()
	case errors.Is(err, model.ErrBackendUnavailable):
		reason = model.ErrBackendUnavailable.Error()
	default:
		reason = model.ErrInternal.Error()
	}
	return model.WsResp{Error: &model.WsError{Reason: reason}}
}
