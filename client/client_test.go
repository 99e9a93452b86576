package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"msgd/config"
	"msgd/db"
	"msgd/protocol"
	"msgd/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, users ...string) *server.Server {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	for _, login := range users {
		require.NoError(t, database.CreateUser(login, "secret"))
	}

	srv := server.New(database, config.Default())
	t.Cleanup(func() {
		srv.Shutdown()
		database.Close()
	})
	return srv
}

func pipeClient(t *testing.T, srv *server.Server) *Client {
	serverSide, clientSide := net.Pipe()
	go srv.ServeConn(context.Background(), protocol.NewStreamConn(serverSide, 0))

	c := New(protocol.NewStreamConn(clientSide, 0), WithTimeout(5*time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoginAndMessage(t *testing.T) {
	srv := setupServer(t, "alice", "bob")
	ctx := context.Background()

	alice := pipeClient(t, srv)
	require.NoError(t, alice.Login(ctx, "alice", "secret", ""))
	assert.Equal(t, "alice", alice.Account())

	require.NoError(t, alice.SendMessage(ctx, "bob", "hi"))

	bob := pipeClient(t, srv)
	require.NoError(t, bob.Login(ctx, "bob", "secret", ""))

	select {
	case msg := <-bob.Messages():
		assert.Equal(t, "alice", msg.Sender())
		assert.Equal(t, "hi", msg.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("queued message not delivered")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv := setupServer(t, "alice")

	c := pipeClient(t, srv)
	err := c.Login(context.Background(), "alice", "wrong", "")

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr), "got %v", err)
	assert.Equal(t, "wrong password", serverErr.Reason)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not hang up")
	}
}

func TestLoginDuplicate(t *testing.T) {
	srv := setupServer(t, "alice")
	ctx := context.Background()

	first := pipeClient(t, srv)
	require.NoError(t, first.Login(ctx, "alice", "secret", ""))

	second := pipeClient(t, srv)
	err := second.Login(ctx, "alice", "secret", "")

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr), "got %v", err)
	assert.Equal(t, "username already taken", serverErr.Reason)

	_, err = first.Users(ctx)
	assert.NoError(t, err)
}

func TestContactsAndKeys(t *testing.T) {
	srv := setupServer(t, "alice", "bob")
	ctx := context.Background()

	alice := pipeClient(t, srv)
	require.NoError(t, alice.Login(ctx, "alice", "secret", "A-KEY"))
	bob := pipeClient(t, srv)
	require.NoError(t, bob.Login(ctx, "bob", "secret", ""))

	require.NoError(t, bob.AddContact(ctx, "alice"))
	contacts, err := bob.Contacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, contacts)

	users, err := bob.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	key, err := bob.PublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "A-KEY", key)

	_, err = alice.PublicKey(ctx, "bob")
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, "no public key for user", serverErr.Reason)

	require.NoError(t, bob.RemoveContact(ctx, "alice"))
	contacts, err = bob.Contacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestNotices(t *testing.T) {
	srv := setupServer(t, "alice")

	c := pipeClient(t, srv)
	require.NoError(t, c.Login(context.Background(), "alice", "secret", ""))

	srv.BroadcastListsChanged()

	select {
	case <-c.Notices():
	case <-time.After(5 * time.Second):
		t.Fatal("no lists-changed notice")
	}
}

func TestExit(t *testing.T) {
	srv := setupServer(t, "alice")
	ctx := context.Background()

	c := pipeClient(t, srv)
	require.NoError(t, c.Login(ctx, "alice", "secret", ""))
	require.NoError(t, c.Exit(ctx))

	<-c.Done()
	_, ok := <-c.Messages()
	assert.False(t, ok)
	assert.Equal(t, 0, srv.Registry().Len())

	_, err := c.Users(ctx)
	assert.Error(t, err)
}

func TestLateResponseIsDiscarded(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	srv := protocol.NewStreamConn(serverSide, 0)
	t.Cleanup(func() { srv.Close() })

	c := New(protocol.NewStreamConn(clientSide, 0), WithTimeout(100*time.Millisecond))
	t.Cleanup(func() { c.Close() })

	served := make(chan error, 1)
	go func() {
		served <- func() error {
			if _, err := srv.ReadFrame(); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
			if err := writeResponse(srv, protocol.OK()); err != nil {
				return err
			}

			if _, err := srv.ReadFrame(); err != nil {
				return err
			}
			return writeResponse(srv, protocol.List([]string{"alice", "bob"}))
		}()
	}()

	err := c.SendMessage(context.Background(), "bob", "hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	users, err := c.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)
	require.NoError(t, <-served)
}

func writeResponse(fc protocol.FrameConn, resp protocol.Response) error {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return fc.WriteFrame(data)
}
