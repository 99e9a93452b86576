package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"msgd/protocol"

	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeFrameConn records written frames. With failAfter >= 0 every write after
// the first failAfter ones fails.
type fakeFrameConn struct {
	mu        sync.Mutex
	written   [][]byte
	failAfter int
	closed    bool
	reads     chan []byte
	closeOnce sync.Once
}

func newFakeFrameConn() *fakeFrameConn {
	return &fakeFrameConn{failAfter: -1, reads: make(chan []byte, 16)}
}

func (f *fakeFrameConn) ReadFrame() ([]byte, error) {
	data, ok := <-f.reads
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (f *fakeFrameConn) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return net.ErrClosed
	}
	if f.failAfter >= 0 && len(f.written) >= f.failAfter {
		return errBrokenPipe
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeFrameConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeFrameConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeFrameConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (f *fakeFrameConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.reads) })
	return nil
}

func (f *fakeFrameConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeFrameConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newFakeConn() (*Conn, *fakeFrameConn) {
	fc := newFakeFrameConn()
	return newConn(fc, time.Second), fc
}

func newBrokenConn() (*Conn, *fakeFrameConn) {
	conn, fc := newFakeConn()
	fc.failAfter = 0
	return conn, fc
}

// pushedMessages decodes every frame written to fc as a MESSAGE envelope.
func pushedMessages(t *testing.T, fc *fakeFrameConn) []protocol.Message {
	t.Helper()

	var msgs []protocol.Message
	for _, frame := range fc.frames() {
		req, err := protocol.DecodeRequest(frame)
		require.NoError(t, err)
		m, ok := req.(protocol.Message)
		require.True(t, ok, "expected MESSAGE, got %s", req.Action())
		msgs = append(msgs, m)
	}
	return msgs
}
