package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"msgd/protocol"

	"github.com/google/uuid"
)

var ErrConnClosed = errors.New("connection closed")

// SendError is returned by every failed write to a connection. Delivery uses
// it to tell a dead destination apart from other errors.
type SendError struct {
	ConnID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ConnID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Conn is a live client connection. Writes are serialized so replies from the
// connection goroutine and deliveries from other sessions never interleave.
// Only the Registry closes a Conn.
type Conn struct {
	id           string
	fc           protocol.FrameConn
	writeTimeout time.Duration
	openedAt     time.Time

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(fc protocol.FrameConn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           uuid.NewString(),
		fc:           fc,
		writeTimeout: writeTimeout,
		openedAt:     time.Now(),
		closed:       make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.fc.RemoteAddr() }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Send encodes a protocol.Response or protocol.Request and writes it as one frame.
func (c *Conn) Send(msg interface{}) error {
	if c.isClosed() {
		return &SendError{ConnID: c.id, Err: ErrConnClosed}
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		// A transport that cannot take a deadline still gets the write.
		_ = c.fc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.fc.WriteFrame(data); err != nil {
		return &SendError{ConnID: c.id, Err: err}
	}
	return nil
}

// Receive reads the next frame, waiting at most timeout.
func (c *Conn) Receive(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.fc.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.fc.SetReadDeadline(time.Time{})
	}
	return c.fc.ReadFrame()
}

func (c *Conn) close() error {
	err := ErrConnClosed
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.fc.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// hostPort splits the remote address for the login record. Transports
// without a host:port address (pipes) report the raw string and port 0.
func (c *Conn) hostPort() (string, int) {
	addr := c.RemoteAddr()
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
