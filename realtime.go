package crowdmix

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all realtime push messages. Payload shape
// is keyed by Type; each reconciliation rule owns its own decode.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Known message types consumed by the Reconciler.
const (
	MsgVoteCast        = "vote.cast"
	MsgTrackAdded      = "track.added"
	MsgTrackDeleted    = "track.deleted"
	MsgTrackMoved      = "track.moved"
	MsgPlaylistUpdated = "playlist.updated"
	MsgPlaylistInvited = "playlist.invited"
	MsgPlaylistCreated = "playlist.created"
	MsgPlaylistDeleted = "playlist.deleted"
	MsgEventInvited    = "event.invited"
	MsgEventDeleted    = "event.deleted"
	MsgEventLeft       = "event.left"
)

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig tunes the realtime stream client.
type StreamConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// StreamState represents the connection state.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// StreamClient
// ============================================================================

// StreamClient is a WebSocket push-message client with auto-reconnect and
// heartbeat. Decoded envelopes arrive on Messages in receive order; feed that
// channel to a Reconciler. The stream is owned by whoever Connects it,
// typically a screen's lifetime, and Disconnect closes Messages so a ranging
// consumer terminates. A stream is one-shot: once Disconnected it cannot be
// connected again, get a fresh one from Client.Stream.
type StreamClient struct {
	baseURL string
	creds   CredentialStore
	config  StreamConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            StreamState
	intentionalClose bool
	spent            bool
	cancelFn         context.CancelFunc

	recon     *reconnector
	msgs      chan Envelope
	closeOnce sync.Once

	onConnected    func()
	onDisconnected func(reason string)
	onReconnecting func(attempt int, delay time.Duration)
}

func newStreamClient(baseURL string, creds CredentialStore, log zerolog.Logger) *StreamClient {
	cfg := StreamConfig{AutoReconnect: true}
	cfg.defaults()
	return &StreamClient{
		baseURL: baseURL,
		creds:   creds,
		config:  cfg,
		log:     log,
		state:   StateDisconnected,
		recon:   newReconnector(&cfg),
		msgs:    make(chan Envelope, 64),
	}
}

// Configure replaces the stream tuning. Must be called before Connect.
func (s *StreamClient) Configure(cfg StreamConfig) {
	cfg.defaults()
	s.config = cfg
	s.recon = newReconnector(&cfg)
}

// Messages returns the envelope channel. It is closed by Disconnect.
func (s *StreamClient) Messages() <-chan Envelope { return s.msgs }

// OnConnected registers a handler for the connected meta-event.
func (s *StreamClient) OnConnected(h func()) { s.onConnected = h }

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *StreamClient) OnDisconnected(h func(reason string)) { s.onDisconnected = h }

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *StreamClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.onReconnecting = h
}

// State returns the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect establishes the WebSocket connection using the stored access token.
// A stream that has been Disconnected is spent and returns ErrStreamClosed.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.spent {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("read credentials: %w", err)
	}

	wsURL := strings.Replace(s.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + creds.AccessToken

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	if s.spent {
		// Disconnected while dialing.
		s.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrStreamClosed
	}
	if s.cancelFn != nil {
		// Stop the previous connection's loops before replacing them.
		s.cancelFn()
	}
	s.conn = conn
	s.state = StateConnected
	s.cancelFn = cancel
	s.mu.Unlock()
	s.recon.markConnected()
	s.log.Debug().Str("state", string(StateConnected)).Msg("realtime stream connected")

	if s.onConnected != nil {
		s.onConnected()
	}

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection and the Messages channel.
func (s *StreamClient) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	s.spent = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.msgs) })

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (s *StreamClient) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			intentional := s.intentionalClose
			if s.conn == conn {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			if intentional {
				return
			}

			s.log.Warn().Err(err).Msg("realtime stream dropped")
			if s.onDisconnected != nil {
				s.onDisconnected(err.Error())
			}
			if s.config.AutoReconnect && s.recon.shouldReconnect() {
				s.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.log.Debug().Msg("skipping malformed realtime frame")
			continue
		}

		select {
		case s.msgs <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (s *StreamClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed; force close so readLoop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *StreamClient) scheduleReconnect(ctx context.Context) {
	delay := s.recon.nextDelay()
	s.setState(StateReconnecting)
	s.log.Debug().Int("attempt", s.recon.attempt).Dur("delay", delay).
		Msg("realtime stream reconnecting")

	if s.onReconnecting != nil {
		s.onReconnecting(s.recon.attempt, delay)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if err := s.Connect(ctx); err != nil {
		if s.config.AutoReconnect && s.recon.shouldReconnect() {
			s.scheduleReconnect(ctx)
		} else {
			s.setState(StateDisconnected)
		}
	}
}
