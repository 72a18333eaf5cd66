package remote

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/status"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// wsEnvelope is the server's websocket frame.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Socket maintains the live push channel to the server. It parses pushed
// frames into bus events and drives the connection state machine; it never
// writes to the store itself (the sync engine does, off the bus).
type Socket struct {
	wsURL    string
	password string
	bus      *bus.Bus
	machine  *status.Machine
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSocket creates a live socket client. wsURL is the ws:// or wss:// endpoint.
func NewSocket(wsURL, password string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Socket {
	return &Socket{
		wsURL:    wsURL,
		password: password,
		bus:      b,
		machine:  machine,
		logger:   logger,
	}
}

// Start runs the connect/read/reconnect loop until Stop or ctx cancellation.
func (s *Socket) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop tears the socket down.
func (s *Socket) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Socket) run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.machine.Transition(status.Connecting)

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("socket dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			_ = s.machine.Transition(status.Reconnecting)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		_ = s.machine.Transition(status.Connected)
		s.logger.Info("socket connected", zap.String("url", s.wsURL))
		backoff = reconnectBase

		s.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			_ = s.machine.Transition(status.Disconnected)
			return
		}
		_ = s.machine.Transition(status.Reconnecting)
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	u := s.wsURL
	if s.password != "" {
		u += "?password=" + url.QueryEscape(s.password)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	return conn, err
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when the context dies.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		s.handleFrame(payload)
	}
}

func (s *Socket) handleFrame(payload []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("malformed socket frame", zap.Error(err))
		return
	}

	switch env.Type {
	case "new-message", "updated-message":
		var msg apiMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			s.logger.Warn("malformed message frame", zap.Error(err), zap.String("type", env.Type))
			return
		}
		in := msg.toIncoming("")
		if in.Message.ChatGUID == "" {
			s.logger.Warn("message frame without chat guid", zap.String("guid", msg.GUID))
			return
		}
		kind := bus.KindSocketMessageNew
		if env.Type == "updated-message" {
			kind = bus.KindSocketMessageUpdated
		}
		s.bus.Emit(kind, in)
	default:
		// Typing indicators, read receipts for other devices, etc. are
		// not consumed by this core.
	}
}
