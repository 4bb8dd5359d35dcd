package users

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iggy-run/iggy/internal/iggyerr"
)

func TestStore_SeedsRootUser(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)

	root, err := s.Authenticate("iggy", "secret")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), root.ID)
}

func TestStore_CreateAndAuthenticate(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)

	u, err := s.Create("alice", "hunter2", nil)
	require.NoError(t, err)

	_, err = s.Authenticate("alice", "wrongpass")
	assert.Error(t, err)

	authed, err := s.Authenticate("alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, u.ID, authed.ID)
}

func TestStore_CreateDuplicateUsername(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)
	_, err = s.Create("alice", "pw", nil)
	require.NoError(t, err)

	_, err = s.Create("alice", "pw2", nil)
	assert.Equal(t, iggyerr.CodeUserAlreadyExists, iggyerr.CodeOf(err))
}

func TestStore_CannotDeleteRootUser(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)
	err = s.Delete(1)
	assert.Equal(t, iggyerr.CodeCannotDeleteRootUser, iggyerr.CodeOf(err))
}

func TestStore_PATLifecycle(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)
	u, err := s.Create("bob", "pw", nil)
	require.NoError(t, err)

	token, err := s.CreatePAT(u.ID, "ci", time.Hour)
	require.NoError(t, err)

	authed, err := s.AuthenticatePAT(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, authed.ID)

	require.NoError(t, s.DeletePAT(u.ID, "ci"))
	_, err = s.AuthenticatePAT(token)
	assert.Error(t, err)
}

func TestStore_PATExpiry(t *testing.T) {
	s, err := NewStore("secret")
	require.NoError(t, err)
	u, err := s.Create("carol", "pw", nil)
	require.NoError(t, err)

	token, err := s.CreatePAT(u.ID, "short", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	_, err = s.AuthenticatePAT(token)
	assert.Equal(t, iggyerr.CodePersonalAccessTokenExpired, iggyerr.CodeOf(err))
}
