package db

import (
	"path/filepath"
	"testing"

	"msgd/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func TestCreateUser(t *testing.T) {
	database := setupTestDB(t)

	require.NoError(t, database.CreateUser("alice", "alicepw"))
	assert.ErrorIs(t, database.CreateUser("alice", "other"), ErrUserExists)
	assert.Error(t, database.CreateUser("", "pw"))

	ok, err := database.CheckUser("alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = database.CheckUser("bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetHash(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser("alice", "alicepw"))

	hash, err := database.GetHash("alice")
	require.NoError(t, err)
	assert.Equal(t, auth.HashPassword("alice", "alicepw"), hash)

	_, err = database.GetHash("nobody")
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestLoginLogout(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser("alice", "alicepw"))

	require.NoError(t, database.UserLogin("alice", "127.0.0.1", 5555, "PUBKEY"))

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Login)
	assert.Equal(t, "127.0.0.1", active[0].IP)
	assert.Equal(t, 5555, active[0].Port)

	key, err := database.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "PUBKEY", key)

	// A login without a key keeps the stored one
	require.NoError(t, database.UserLogin("alice", "127.0.0.1", 5556, ""))
	key, err = database.GetPublicKey("alice")
	require.NoError(t, err)
	assert.Equal(t, "PUBKEY", key)

	history, err := database.LoginHistory("alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 5555, history[0].Port)
	assert.Equal(t, 5556, history[1].Port)

	require.NoError(t, database.UserLogout("alice"))
	active, err = database.ActiveUsers()
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, database.UserLogin("nobody", "127.0.0.1", 1, ""), ErrNoRows)
}

func TestContacts(t *testing.T) {
	database := setupTestDB(t)
	for _, login := range []string{"alice", "bob", "carol"} {
		require.NoError(t, database.CreateUser(login, login+"pw"))
	}

	require.NoError(t, database.AddContact("alice", "carol"))
	require.NoError(t, database.AddContact("alice", "bob"))
	require.NoError(t, database.AddContact("alice", "bob"))
	assert.ErrorIs(t, database.AddContact("alice", "nobody"), ErrNoRows)

	contacts, err := database.GetContacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, contacts)

	require.NoError(t, database.RemoveContact("alice", "bob"))
	require.NoError(t, database.RemoveContact("alice", "bob"))

	contacts, err = database.GetContacts("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, contacts)

	contacts, err = database.GetContacts("bob")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestGetUsersAndRemove(t *testing.T) {
	database := setupTestDB(t)
	for _, login := range []string{"carol", "alice", "bob"} {
		require.NoError(t, database.CreateUser(login, login+"pw"))
	}
	require.NoError(t, database.AddContact("alice", "bob"))

	users, err := database.GetUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)

	require.NoError(t, database.RemoveUser("bob"))
	assert.ErrorIs(t, database.RemoveUser("bob"), ErrNoRows)

	users, err = database.GetUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, users)

	contacts, err := database.GetContacts("alice")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestProcessMessage(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.CreateUser("alice", "alicepw"))
	require.NoError(t, database.CreateUser("bob", "bobpw"))

	require.NoError(t, database.ProcessMessage("alice", "bob"))
	require.NoError(t, database.ProcessMessage("alice", "bob"))
	require.NoError(t, database.ProcessMessage("bob", "alice"))
	assert.ErrorIs(t, database.ProcessMessage("alice", "nobody"), ErrNoRows)

	stats, err := database.MessageStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, "alice", stats[0].Login)
	assert.Equal(t, 2, stats[0].Sent)
	assert.Equal(t, 1, stats[0].Accepted)
	assert.Equal(t, "bob", stats[1].Login)
	assert.Equal(t, 1, stats[1].Sent)
	assert.Equal(t, 2, stats[1].Accepted)
}

func TestReopenClearsActiveUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	database, err := New(path)
	require.NoError(t, err)
	require.NoError(t, database.CreateUser("alice", "alicepw"))
	require.NoError(t, database.UserLogin("alice", "127.0.0.1", 1, ""))
	require.NoError(t, database.Close())

	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()

	active, err := database.ActiveUsers()
	require.NoError(t, err)
	assert.Empty(t, active)

	ok, err := database.CheckUser("alice")
	require.NoError(t, err)
	assert.True(t, ok)
}
