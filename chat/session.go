package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/kickbot/telemetry"
)

var (
	// ErrTransport wraps dial, read and write failures on the chat connection.
	ErrTransport = errors.New("chat transport error")
	// ErrNotConnected is returned by Send when the message can be neither
	// written nor queued.
	ErrNotConnected = errors.New("chat not connected")
)

// Phase is the lifecycle phase of a Session.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseActive:
		return "active"
	default:
		return "disconnected"
	}
}

// ChatroomResolver looks up the chatroom id of a channel.
type ChatroomResolver interface {
	Chatroom(ctx context.Context, accessToken, channel string) (int64, error)
}

// Options configures a Session. Zero durations take the defaults below.
type Options struct {
	Channel     string
	AccessToken string
	// ChatURL is the WebSocket prefix; the chatroom id is appended.
	ChatURL   string
	Resolver  ChatroomResolver
	Responder Responder
	Dialer    *websocket.Dialer

	ReconnectDelay   time.Duration // 5s
	LookupRetryDelay time.Duration // 10s
	WriteWait        time.Duration // 10s
	PingInterval     time.Duration // 30s

	// OnPhase is called from the session goroutine on every transition.
	OnPhase func(Phase)
}

// Session holds one chat connection for a channel and keeps it alive:
// lookup, dial, auth, read loop, and reconnect after a fixed delay, until
// Stop. Inbound frames are handled in arrival order on the session goroutine.
type Session struct {
	opts Options
	log  *slog.Logger

	writeMu sync.Mutex // serializes writes on conn

	mu         sync.Mutex
	phase      Phase
	chatroomID int64
	conn       *websocket.Conn
	pending    *string
	stopped    bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewSession applies defaults to opts. The session is idle until Start.
func NewSession(opts Options) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.LookupRetryDelay <= 0 {
		opts.LookupRetryDelay = 10 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	}
	if opts.Responder == nil {
		opts.Responder = Commands{}
	}
	return &Session{
		opts: opts,
		log:  slog.Default().With(slog.String("component", "chat"), slog.String("channel", opts.Channel)),
	}
}

// Channel returns the channel the session serves.
func (s *Session) Channel() string { return s.opts.Channel }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ChatroomID returns the last resolved chatroom id, or 0.
func (s *Session) ChatroomID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatroomID
}

// Start launches the session goroutine. It may be called once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.stopped {
		return errors.New("session already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Stop cancels pending timers, closes the connection and waits for the
// session goroutine to exit. Safe to call more than once. A queued message
// that was never flushed stays available through TakePending.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Send writes text to the chatroom. While the session is not active one
// message is held and flushed on the next activation; a second one is
// refused with ErrNotConnected.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.phase == PhaseActive && s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return s.sendMessage(conn, text)
	}
	if s.pending != nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.pending = &text
	s.mu.Unlock()
	s.log.Info("chat not open, message queued")
	return nil
}

// TakePending removes and returns the message held by Send, if any. Once
// the session is stopped this is the only way the message leaves it.
func (s *Session) TakePending() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	text := *s.pending
	s.pending = nil
	return text, true
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	changed := s.phase != p
	s.phase = p
	s.mu.Unlock()
	if changed {
		s.notifyPhase(p)
	}
}

func (s *Session) notifyPhase(p Phase) {
	telemetry.SetSessionPhase(p.String())
	if s.opts.OnPhase != nil {
		s.opts.OnPhase(p)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setPhase(PhaseDisconnected)
	for {
		s.setPhase(PhaseConnecting)
		id, ok := s.resolve(ctx)
		if !ok {
			return
		}
		err := s.serve(ctx, id)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("chat connection lost, reconnecting", slog.Any("err", err), slog.Duration("delay", s.opts.ReconnectDelay))
		s.setPhase(PhaseDisconnected)
		telemetry.Inc(telemetry.ChatReconnects)
		if !sleep(ctx, s.opts.ReconnectDelay) {
			return
		}
	}
}

// resolve retries the chatroom lookup until it succeeds or ctx ends.
func (s *Session) resolve(ctx context.Context) (int64, bool) {
	for {
		lctx, span := telemetry.StartSpan(ctx, telemetry.TracerChat, "chat.lookup", attribute.String("channel", s.opts.Channel))
		id, err := s.opts.Resolver.Chatroom(lctx, s.opts.AccessToken, s.opts.Channel)
		telemetry.EndSpan(span, err)
		if err == nil {
			s.mu.Lock()
			s.chatroomID = id
			s.mu.Unlock()
			return id, true
		}
		if ctx.Err() != nil {
			return 0, false
		}
		telemetry.Inc(telemetry.ChannelLookupFailures)
		s.log.Warn("chatroom lookup failed", slog.Any("err", err), slog.Duration("retry_in", s.opts.LookupRetryDelay))
		if !sleep(ctx, s.opts.LookupRetryDelay) {
			return 0, false
		}
	}
}

// serve holds one connection until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, chatroomID int64) error {
	url := s.opts.ChatURL + strconv.FormatInt(chatroomID, 10)
	conn, _, err := s.opts.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, url, err)
	}
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stopClose()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setPhase(PhaseAuthenticating)
	if err := s.write(conn, AuthFrame(s.opts.AccessToken)); err != nil {
		return err
	}

	// No auth ack is awaited; the connection is usable once the frame is out.
	// The pending message is taken in the same critical section that flips
	// the phase so a concurrent Send either queues before or writes after.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrNotConnected
	}
	pending := s.pending
	s.pending = nil
	s.phase = PhaseActive
	s.mu.Unlock()
	s.notifyPhase(PhaseActive)
	s.log.Info("connected to chat", slog.Int64("chatroom_id", chatroomID))
	if pending != nil {
		if err := s.sendMessage(conn, *pending); err != nil {
			s.log.Warn("queued message not sent", slog.Any("err", err))
		}
	}

	pongWait := 2 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.keepalive(conn, pingDone)

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(conn, b)
	}
}

func (s *Session) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
			s.writeMu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) handle(conn *websocket.Conn, raw []byte) {
	ev, err := ParseEvent(raw)
	if err != nil {
		telemetry.Inc(telemetry.MalformedFrames)
		s.log.Warn("dropping chat frame", slog.Any("err", err))
		return
	}
	if ev.Kind != EventMessage {
		return
	}
	telemetry.Inc(telemetry.MessagesReceived)
	s.log.Debug(fmt.Sprintf("[%s]: %s", ev.Sender, ev.Body))
	reply, ok := s.opts.Responder.Respond(ev.Sender, ev.Body)
	if !ok {
		return
	}
	if err := s.sendMessage(conn, reply); err != nil {
		s.log.Warn("reply not sent", slog.Any("err", err))
	}
}

func (s *Session) sendMessage(conn *websocket.Conn, text string) error {
	if err := s.write(conn, SendMessageFrame(text)); err != nil {
		return err
	}
	telemetry.Inc(telemetry.RepliesSent)
	s.log.Info("sent chat message", slog.String("content", text))
	return nil
}

func (s *Session) write(conn *websocket.Conn, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
