// Package client speaks the msgd protocol from the user side: it connects,
// answers the login challenge, issues requests and surfaces messages pushed
// by the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"msgd/auth"
	"msgd/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosed             = errors.New("client closed")
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// ServerError is a 400 answer from the server.
type ServerError struct {
	Code   int
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Reason)
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTimeout bounds each request when the caller's context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client is safe for concurrent use; requests are sent one at a time.
type Client struct {
	fc      protocol.FrameConn
	logger  *zap.Logger
	timeout time.Duration

	reqMu  sync.Mutex
	sendMu sync.Mutex
	name   string

	responses chan protocol.Response
	messages  chan protocol.Message

	// stale counts responses still owed to requests that timed out.
	pendMu sync.Mutex
	stale  int
	notices   chan struct{}

	done      chan struct{}
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once
}

// New wraps an established frame connection and starts reading from it.
func New(fc protocol.FrameConn, opts ...Option) *Client {
	c := &Client{
		fc:        fc,
		timeout:   10 * time.Second,
		responses: make(chan protocol.Response, 1),
		messages:  make(chan protocol.Message, 64),
		notices:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	go c.readLoop()
	return c
}

// Dial connects over TCP with length-prefixed framing.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(protocol.NewStreamConn(conn, 0), opts...), nil
}

// DialWebSocket connects to a server's /ws endpoint, e.g. ws://host:8080/ws.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(protocol.NewWebSocketConn(ws, 0), opts...), nil
}

// Messages yields MESSAGE envelopes pushed by the server. It is closed when
// the connection ends.
func (c *Client) Messages() <-chan protocol.Message { return c.messages }

// Notices receives a value whenever the server says the contact or user
// lists changed. Notices that arrive before the previous one was read are
// merged.
func (c *Client) Notices() <-chan struct{} { return c.notices }

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Account is the name the client logged in with.
func (c *Client) Account() string {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.name
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.messages)

	for {
		frame, err := c.fc.ReadFrame()
		if err != nil {
			c.readErr = err
			return
		}

		if protocol.IsRequest(frame) {
			req, err := protocol.DecodeRequest(frame)
			if err != nil {
				c.logger.Warn("dropping malformed push", zap.Error(err))
				continue
			}
			msg, ok := req.(protocol.Message)
			if !ok {
				c.logger.Debug("ignoring pushed envelope", zap.String("action", string(req.Action())))
				continue
			}
			select {
			case c.messages <- msg:
			case <-c.closed:
				return
			}
			continue
		}

		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			c.logger.Warn("dropping malformed response", zap.Error(err))
			continue
		}

		if resp.Code == protocol.CodeListsChanged {
			select {
			case c.notices <- struct{}{}:
			default:
			}
			continue
		}

		c.deliver(resp)
	}
}

// deliver hands resp to the waiting request unless it answers one that
// already gave up.
func (c *Client) deliver(resp protocol.Response) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	if c.stale > 0 {
		c.stale--
		c.logger.Debug("discarding late response", zap.Int("code", resp.Code))
		return
	}
	select {
	case c.responses <- resp:
	default:
		c.logger.Warn("dropping unsolicited response", zap.Int("code", resp.Code))
	}
}

// abandon is called when a request stops waiting. The response it leaves
// behind is dropped whether or not it already arrived.
func (c *Client) abandon() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()

	select {
	case <-c.responses:
	default:
		c.stale++
	}
}

func (c *Client) write(v interface{}) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.fc.WriteFrame(data)
}

func (c *Client) await(ctx context.Context) (protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-c.responses:
		if resp.Code == protocol.CodeBadRequest {
			return resp, &ServerError{Code: resp.Code, Reason: resp.Error}
		}
		return resp, nil
	case <-c.done:
		if c.readErr != nil {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return protocol.Response{}, ErrClosed
	case <-ctx.Done():
		c.abandon()
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Client) header() protocol.Header {
	return protocol.Header{Time: time.Now(), User: protocol.User{AccountName: c.name}}
}

// roundTrip sends req and waits for a response with the wanted code.
func (c *Client) roundTrip(ctx context.Context, req protocol.Request, want int) (protocol.Response, error) {
	if err := c.write(req); err != nil {
		return protocol.Response{}, err
	}
	resp, err := c.await(ctx)
	if err != nil {
		return resp, err
	}
	if resp.Code != want {
		return resp, fmt.Errorf("%w: %s got %d, want %d", ErrUnexpectedResponse, req.Action(), resp.Code, want)
	}
	return resp, nil
}

// Login announces presence and answers the server's challenge with a digest
// derived from password.
func (c *Client) Login(ctx context.Context, login, password, publicKey string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.name = login
	presence := protocol.Presence{Header: c.header()}
	presence.User.PublicKey = publicKey

	challenge, err := c.roundTrip(ctx, presence, protocol.CodeAuth)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}

	alg, err := auth.ParseAlgorithm(challenge.Digest)
	if err != nil {
		return err
	}
	digest, err := auth.Respond(alg, login, password, challenge.Data)
	if err != nil {
		return err
	}

	if err := c.write(protocol.Response{Code: protocol.CodeAuth, Data: digest}); err != nil {
		return err
	}
	resp, err := c.await(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.Code != protocol.CodeOK {
		return fmt.Errorf("%w: login got %d", ErrUnexpectedResponse, resp.Code)
	}

	c.logger.Debug("logged in", zap.String("account", login))
	return nil
}

func (c *Client) SendMessage(ctx context.Context, to, text string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	_, err := c.roundTrip(ctx, protocol.Message{Header: c.header(), Destination: to, Text: text}, protocol.CodeOK)
	return err
}

func (c *Client) Contacts(ctx context.Context) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := c.roundTrip(ctx, protocol.GetContacts{Header: c.header()}, protocol.CodeList)
	if err != nil {
		return nil, err
	}
	return resp.ListInfo, nil
}

func (c *Client) Users(ctx context.Context) ([]string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := c.roundTrip(ctx, protocol.GetUsers{Header: c.header()}, protocol.CodeList)
	if err != nil {
		return nil, err
	}
	return resp.ListInfo, nil
}

func (c *Client) AddContact(ctx context.Context, login string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	_, err := c.roundTrip(ctx, protocol.AddContact{Header: c.header(), UserID: login}, protocol.CodeCreated)
	return err
}

func (c *Client) RemoveContact(ctx context.Context, login string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	_, err := c.roundTrip(ctx, protocol.RemoveContact{Header: c.header(), UserID: login}, protocol.CodeCreated)
	return err
}

// PublicKey fetches the key another user announced at login.
func (c *Client) PublicKey(ctx context.Context, login string) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp, err := c.roundTrip(ctx, protocol.PublicKeyRequest{Header: c.header(), UserID: login}, protocol.CodeAuth)
	if err != nil {
		return "", err
	}
	return resp.Data, nil
}

// Exit tells the server the session is over and waits for it to hang up.
func (c *Client) Exit(ctx context.Context) error {
	c.reqMu.Lock()
	err := c.write(protocol.Exit{Header: c.header()})
	c.reqMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
	case <-ctx.Done():
	case <-time.After(c.timeout):
	}
	return c.Close()
}

func (c *Client) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.fc.Close()
	})
	return err
}
