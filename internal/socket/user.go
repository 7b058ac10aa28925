package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johan/polymarket-stream/internal/metrics"
	"github.com/johan/polymarket-stream/internal/registry"
	"github.com/johan/polymarket-stream/internal/ws"
	"github.com/johan/polymarket-stream/pkg/types"
)

// UserCallbacks is the dispatch surface of a user socket. Every callback
// carries the apiKey; group ids stay internal to the registry.
type UserCallbacks struct {
	OnTrade func(apiKey string, batch []types.UserMessage)
	OnOrder func(apiKey string, batch []types.UserMessage)
	OnOpen  func(apiKey string)
	OnClose func(apiKey string, code int, reason string)
	OnError func(apiKey string, err error)
}

// UserConfig wires a user socket to its collaborators.
type UserConfig struct {
	GroupID   string
	Registry  *registry.UserRegistry
	Limiter   Limiter
	Dialer    ws.Dialer
	URL       string
	Callbacks UserCallbacks
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// User drives one authenticated user's connection. Same lifecycle and stale
// guard as the market socket, minus grouping: one user, one socket.
type User struct {
	groupID  string
	registry *registry.UserRegistry
	limiter  Limiter
	dialer   ws.Dialer
	url      string
	cb       UserCallbacks
	log      *zap.Logger
	met      *metrics.Metrics

	stopKeepalive chan struct{}
	stopOnce      sync.Once
}

// NewUser creates a socket for one connect attempt on a user group.
func NewUser(cfg UserConfig) *User {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	url := cfg.URL
	if url == "" {
		url = ws.UserURL
	}
	return &User{
		groupID:       cfg.GroupID,
		registry:      cfg.Registry,
		limiter:       cfg.Limiter,
		dialer:        cfg.Dialer,
		url:           url,
		cb:            cfg.Callbacks,
		log:           log,
		met:           cfg.Metrics,
		stopKeepalive: make(chan struct{}),
	}
}

// Connect performs one connect attempt. A dial failure marks the group DEAD
// and returns the error for the manager to surface; the tick retries.
func (s *User) Connect(ctx context.Context) error {
	auth, ok := s.registry.Auth(s.groupID)
	if !ok {
		// Group was removed before we got here.
		return nil
	}

	s.met.ConnectAttempt(metrics.ChannelUser)

	var conn ws.Conn
	err := s.limiter.Schedule(ctx, func() error {
		var derr error
		conn, derr = s.dialer.Dial(ctx, s.url)
		return derr
	})
	if err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		s.met.ConnectFailure(metrics.ChannelUser)
		return fmt.Errorf("connecting user socket for %s: %w", auth.Key, err)
	}

	s.registry.AttachConn(s.groupID, conn)
	conn.Bind(ws.FrameHandlers{
		OnMessage: func(data []byte) { s.handleMessage(conn, auth.Key, data) },
		OnError:   func(err error) { s.handleError(conn, auth.Key, err) },
		OnClose:   func(code int, reason string) { s.handleClose(conn, auth.Key, code, reason) },
	})

	return s.handleOpen(conn, auth)
}

func (s *User) handleOpen(conn ws.Conn, auth types.Auth) error {
	if !s.registry.CompareConn(s.groupID, conn) || !conn.IsOpen() {
		return nil
	}

	frame, err := ws.UserSubscribeFrame(auth)
	if err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return fmt.Errorf("serializing user subscription: %w", err)
	}
	if err := conn.WriteText(frame); err != nil {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return fmt.Errorf("subscribing user socket for %s: %w", auth.Key, err)
	}

	s.registry.SetStatus(s.groupID, registry.StatusAlive)
	s.log.Debug("user socket subscribed", zap.String("api_key", auth.Key))

	if s.cb.OnOpen != nil {
		s.cb.OnOpen(auth.Key)
	}

	s.startKeepalive(conn)
	return nil
}

func (s *User) startKeepalive(conn ws.Conn) {
	interval := keepaliveInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopKeepalive:
				return
			case <-ticker.C:
				if !s.keepaliveTick(conn) {
					return
				}
			}
		}
	}()
}

func (s *User) keepaliveTick(conn ws.Conn) bool {
	if !s.registry.CompareConn(s.groupID, conn) {
		return false
	}
	if !conn.IsOpen() {
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return false
	}
	if err := conn.Ping(); err != nil {
		s.log.Debug("user keepalive ping failed",
			zap.String("group", s.groupID),
			zap.Error(err))
		s.registry.SetStatus(s.groupID, registry.StatusDead)
		return false
	}
	return true
}

func (s *User) handleMessage(conn ws.Conn, apiKey string, data []byte) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	if ws.IsPong(data) {
		return
	}

	msgs, err := ws.ParseUser(data)
	if err != nil {
		s.emitError(apiKey, err)
		return
	}

	var trades, orders []types.UserMessage
	for _, msg := range msgs {
		s.met.Message(metrics.ChannelUser, msg.EventType)
		switch msg.EventType {
		case types.EventTypeTrade:
			trades = append(trades, msg)
		case types.EventTypeOrder:
			orders = append(orders, msg)
		default:
			// The user channel drops anything it does not know.
		}
	}

	if len(trades) > 0 && s.cb.OnTrade != nil {
		s.cb.OnTrade(apiKey, trades)
	}
	if len(orders) > 0 && s.cb.OnOrder != nil {
		s.cb.OnOrder(apiKey, orders)
	}
}

func (s *User) handleError(conn ws.Conn, apiKey string, err error) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	s.registry.SetStatus(s.groupID, registry.StatusDead)
	s.stop()
	s.emitError(apiKey, fmt.Errorf("user socket for %s: %w", apiKey, err))
}

func (s *User) handleClose(conn ws.Conn, apiKey string, code int, reason string) {
	if !s.registry.CompareConn(s.groupID, conn) {
		return
	}
	s.registry.SetStatus(s.groupID, registry.StatusDead)
	s.stop()
	s.log.Debug("user socket closed",
		zap.String("api_key", apiKey),
		zap.Int("code", code),
		zap.String("reason", reason))
	if s.cb.OnClose != nil {
		s.cb.OnClose(apiKey, code, reason)
	}
}

func (s *User) stop() {
	s.stopOnce.Do(func() { close(s.stopKeepalive) })
}

func (s *User) emitError(apiKey string, err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(apiKey, err)
	}
}
