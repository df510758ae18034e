package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/callsync/internal/call"
)

// CodeDisconnected is synthesized locally when the gateway connection
// drops while a request is in flight.
const CodeDisconnected = "CONNECTION_CLOSED"

// Config holds the gateway client configuration.
type Config struct {
	// URL is the websocket endpoint of the signaling gateway.
	URL string

	// ClientID and Secret mint the per-connection auth token.
	ClientID string
	Secret   string

	// Reconnection backoff parameters.
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterFactor     float64
	MaxRetryAttempts int64

	// RequestTimeout bounds each RPC round trip when the caller's context
	// carries no earlier deadline.
	RequestTimeout time.Duration
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("BaseDelay must be > 0 (got %s)", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("MaxDelay must be >= BaseDelay (got %s < %s)", c.MaxDelay, c.BaseDelay)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("JitterFactor must be in [0, 1] (got %f)", c.JitterFactor)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be > 0 (got %s)", c.RequestTimeout)
	}
	return nil
}

// Client is a resilient WebSocket client for the signaling gateway. It
// reconnects with exponential backoff and jitter, routes pushed update
// frames to the UpdateHandler, and correlates RPC responses to their
// requests by id. It implements Transport.
type Client struct {
	config  Config
	handler UpdateHandler
	logger  *slog.Logger

	mu          sync.Mutex
	rng         *rand.Rand // protected by mu
	conn        *websocket.Conn
	isConnected bool
	pending     map[string]chan *Frame

	// reconnectCount tracks consecutive reconnection attempts (atomic)
	reconnectCount int64
}

// NewClient creates a gateway client with the given configuration.
// Pushed updates are delivered to handler from the read loop; a nil
// handler drops them.
func NewClient(config Config, handler UpdateHandler, logger *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:  config,
		handler: handler,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[string]chan *Frame),
	}, nil
}

// SetHandler installs the consumer for pushed update frames. It must
// be called before Run.
func (c *Client) SetHandler(handler UpdateHandler) {
	c.handler = handler
}

// Run starts the client and blocks until the context is cancelled,
// reconnecting with exponential backoff on connection failures.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("gateway client stopping due to context cancellation")
			c.close()
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			attempt := atomic.AddInt64(&c.reconnectCount, 1)
			c.logger.Warn("gateway connection failed",
				slog.String("error", err.Error()),
				slog.Int64("attempt", attempt))
			if c.config.MaxRetryAttempts > 0 && attempt >= c.config.MaxRetryAttempts {
				c.logger.Error("gateway retry limit reached, continuing with capped backoff",
					slog.Int64("attempts", attempt))
			}

			delay := c.computeBackoff()
			c.logger.Info("scheduling gateway reconnect",
				slog.Duration("delay", delay),
				slog.Int64("attempt", attempt))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		atomic.StoreInt64(&c.reconnectCount, 0)
		c.readLoop(ctx)
	}
}

// connect mints a fresh auth token and dials the gateway.
func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to gateway", slog.String("url", c.config.URL))

	header := http.Header{}
	if c.config.Secret != "" {
		token, err := MintGatewayToken([]byte(c.config.Secret), c.config.ClientID, time.Now())
		if err != nil {
			return err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.isConnected = true
	c.mu.Unlock()

	c.logger.Info("connected to gateway")
	return nil
}

// readLoop reads frames from the connection until it closes, routing
// pushed updates to the handler and responses to their waiters.
func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("gateway connection closed",
				slog.String("error", err.Error()))
			c.close()
			return
		}

		frame, err := DecodeFrame(payload)
		if err != nil {
			c.logger.Warn("dropping undecodable gateway frame",
				slog.String("error", err.Error()))
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch routes a decoded frame to the right consumer.
func (c *Client) dispatch(frame *Frame) {
	switch frame.Kind {
	case FrameParticipants:
		if c.handler != nil {
			id := call.InputID{ServerID: frame.CallID, AccessToken: frame.AccessToken}
			c.handler.HandleParticipantsUpdate(id, frame.Participants, frame.Version)
		}
	case FrameCall:
		if c.handler != nil {
			c.handler.HandleCallUpdate(*frame.Call)
		}
	case FrameResponse:
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
		} else {
			c.logger.Debug("response for unknown request",
				slog.String("request_id", frame.ID))
		}
	default:
		c.logger.Debug("ignoring gateway frame", slog.String("kind", frame.Kind))
	}
}

// close cleanly closes the connection and fails all in-flight requests.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.isConnected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- &Frame{Kind: FrameResponse, ID: id, Failure: &Error{Code: CodeDisconnected}}
	}
}

// computeBackoff calculates the next reconnection delay with
// exponential backoff and jitter.
func (c *Client) computeBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	reconnectCount := atomic.LoadInt64(&c.reconnectCount)
	shift := uint(reconnectCount)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(c.config.BaseDelay) * float64(uint64(1)<<shift)
	if backoff > float64(c.config.MaxDelay) {
		backoff = float64(c.config.MaxDelay)
	}
	if c.config.JitterFactor > 0 {
		jitter := (c.rng.Float64() - 0.5) * c.config.JitterFactor
		backoff = backoff * (1 + jitter)
	}
	return time.Duration(backoff)
}

// IsConnected reports whether the client currently holds a live
// gateway connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

// request performs one RPC round trip: encode, send, wait for the
// correlated response frame or the deadline.
func (c *Client) request(ctx context.Context, method string, body any, out any) error {
	raw, err := EncodeBody(body)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	data, err := EncodeFrame(&Frame{Kind: FrameRequest, ID: id, Method: method, Body: raw})
	if err != nil {
		return err
	}

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return &Error{Code: CodeDisconnected}
	}
	c.pending[id] = ch
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return &Error{Code: CodeTimeout, Message: ctx.Err().Error()}
	case frame := <-ch:
		if frame.Failure != nil {
			return frame.Failure
		}
		if out != nil {
			return DecodeBody(frame.Body, out)
		}
		return nil
	}
}

// RPC method names on the gateway wire.
const (
	methodJoin             = "call.join"
	methodLeave            = "call.leave"
	methodEditTitle        = "call.editTitle"
	methodToggleRecording  = "call.toggleRecording"
	methodToggleMuteNew    = "call.toggleMuteNew"
	methodEditParticipant  = "call.editParticipant"
	methodLoadParticipants = "call.loadParticipants"
	methodCheckJoined      = "call.checkJoined"
	methodSendSpeaking     = "call.sendSpeaking"
	methodCanManage        = "chat.canManageCalls"
)

// JoinCall implements Transport.
func (c *Client) JoinCall(ctx context.Context, req JoinRequest) (JoinResult, error) {
	var res JoinResult
	err := c.request(ctx, methodJoin, req, &res)
	return res, err
}

// LeaveCall implements Transport.
func (c *Client) LeaveCall(ctx context.Context, id call.InputID, source call.AudioSource) error {
	return c.request(ctx, methodLeave, struct {
		Call   call.InputID     `cbor:"call"`
		Source call.AudioSource `cbor:"source"`
	}{id, source}, nil)
}

// EditTitle implements Transport.
func (c *Client) EditTitle(ctx context.Context, id call.InputID, title string) error {
	return c.request(ctx, methodEditTitle, struct {
		Call  call.InputID `cbor:"call"`
		Title string       `cbor:"title"`
	}{id, title}, nil)
}

// ToggleRecording implements Transport.
func (c *Client) ToggleRecording(ctx context.Context, id call.InputID, enabled bool) error {
	return c.request(ctx, methodToggleRecording, struct {
		Call    call.InputID `cbor:"call"`
		Enabled bool         `cbor:"enabled"`
	}{id, enabled}, nil)
}

// ToggleMuteNew implements Transport.
func (c *Client) ToggleMuteNew(ctx context.Context, id call.InputID, muteNew bool) error {
	return c.request(ctx, methodToggleMuteNew, struct {
		Call    call.InputID `cbor:"call"`
		MuteNew bool         `cbor:"mute_new"`
	}{id, muteNew}, nil)
}

// EditParticipant implements Transport.
func (c *Client) EditParticipant(ctx context.Context, edit ParticipantEdit) error {
	return c.request(ctx, methodEditParticipant, edit, nil)
}

// LoadParticipants implements Transport.
func (c *Client) LoadParticipants(ctx context.Context, id call.InputID, cursor string, limit int32) (ParticipantsPage, error) {
	var page ParticipantsPage
	err := c.request(ctx, methodLoadParticipants, struct {
		Call   call.InputID `cbor:"call"`
		Cursor string       `cbor:"cursor"`
		Limit  int32        `cbor:"limit"`
	}{id, cursor, limit}, &page)
	return page, err
}

// CheckJoined implements Transport.
func (c *Client) CheckJoined(ctx context.Context, id call.InputID, source call.AudioSource) error {
	return c.request(ctx, methodCheckJoined, struct {
		Call   call.InputID     `cbor:"call"`
		Source call.AudioSource `cbor:"source"`
	}{id, source}, nil)
}

// CanManageCalls asks the gateway whether the local client may manage
// the calls of chat. Its shape matches permission.Resolver so the
// method value can back a permission cache directly.
func (c *Client) CanManageCalls(ctx context.Context, chat call.ChatRef) (bool, error) {
	var res struct {
		CanManage bool `cbor:"can_manage"`
	}
	err := c.request(ctx, methodCanManage, struct {
		Chat call.ChatRef `cbor:"chat"`
	}{chat}, &res)
	return res.CanManage, err
}

// SendSpeaking implements Transport.
func (c *Client) SendSpeaking(ctx context.Context, id call.InputID, source call.AudioSource, speaking bool) error {
	return c.request(ctx, methodSendSpeaking, struct {
		Call     call.InputID     `cbor:"call"`
		Source   call.AudioSource `cbor:"source"`
		Speaking bool             `cbor:"speaking"`
	}{id, source, speaking}, nil)
}
