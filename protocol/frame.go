package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultMaxFrame bounds a single frame body.
const DefaultMaxFrame = 64 * 1024

var ErrFrameTooLarge = errors.New("frame too large")

// FrameConn moves whole frame bodies over some transport.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// StreamConn frames a byte stream with a 4-byte big-endian length prefix.
// Writes are not serialized; callers hold their own lock.
type StreamConn struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
}

func NewStreamConn(conn net.Conn, maxFrame int) *StreamConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &StreamConn{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		maxFrame: maxFrame,
	}
}

func (c *StreamConn) ReadFrame() ([]byte, error) {
	return ReadFrame(c.reader, c.maxFrame)
}

func (c *StreamConn) WriteFrame(data []byte) error {
	if len(data) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return WriteFrame(c.conn, data)
}

func (c *StreamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *StreamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *StreamConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *StreamConn) Close() error                       { return c.conn.Close() }

// ReadFrame reads one length-prefixed frame body from r.
func ReadFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if maxFrame > 0 && int(length) > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// WriteFrame writes the length prefix and body in a single write.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}
