package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"msgd/config"
	"msgd/db"
	"msgd/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupController(t *testing.T) (*controller, *db.DB, chan struct{}) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	srv := server.New(database, config.Default())
	t.Cleanup(srv.Shutdown)

	stopped := make(chan struct{}, 1)
	ctl := newController(srv, database, func() { stopped <- struct{}{} }, nil)
	return ctl, database, stopped
}

func TestControlRegisterAndRemove(t *testing.T) {
	ctl, database, _ := setupController(t)

	assert.Equal(t, "OK|Registered alice", ctl.handle("register|alice|secret"))
	assert.Equal(t, "ERROR|User already exists", ctl.handle("register|alice|other"))
	assert.Equal(t, "ERROR|Usage: register|login|password", ctl.handle("register|bob"))

	ok, err := database.CheckUser("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	reply := ctl.handle("users")
	assert.True(t, strings.HasPrefix(reply, "OK|alice="), reply)

	assert.Equal(t, "OK|Removed alice", ctl.handle("remove|alice"))
	assert.Equal(t, "ERROR|User not found", ctl.handle("remove|alice"))
	assert.Equal(t, "OK|", ctl.handle("users"))
}

func TestControlQueries(t *testing.T) {
	ctl, database, _ := setupController(t)
	require.NoError(t, database.CreateUser("alice", "secret"))
	require.NoError(t, database.CreateUser("bob", "secret"))
	require.NoError(t, database.UserLogin("alice", "10.0.0.1", 4000, ""))
	require.NoError(t, database.ProcessMessage("alice", "bob"))

	assert.Equal(t, "OK|connections=0,sessions=0,pending=0,users=", ctl.handle("stats"))
	assert.Equal(t, "OK|alice=10.0.0.1:4000", ctl.handle("active"))
	assert.Equal(t, "OK|alice=1/0;bob=0/1", ctl.handle("messages"))

	reply := ctl.handle("history|alice")
	assert.True(t, strings.HasPrefix(reply, "OK|alice,10.0.0.1:4000,"), reply)
	assert.Equal(t, "OK|", ctl.handle("history|bob"))

	assert.Equal(t, "ERROR|Unknown command", ctl.handle("reboot"))
}

func TestControlSocket(t *testing.T) {
	ctl, _, stopped := setupController(t)

	path := filepath.Join(t.TempDir(), "ctl.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctl.listen(ctx, path) }()

	var reply string
	require.Eventually(t, func() bool {
		var err error
		reply, err = sendControl(ctx, path, "register|carol|pw")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "OK|Registered carol", reply)

	reply, err := sendControl(ctx, path, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, shutdownReply, reply)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
