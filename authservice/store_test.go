package authservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DuyTran1503/websocketio/errors"
)

func testUser(id, username, email string) *User {
	return &User{
		ID:           id,
		Username:     username,
		Email:        email,
		PasswordHash: "$2a$10$hash",
		Status:       StatusOffline,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testUser("u1", "alice", "a@x.com")))

	user, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestMemoryStoreUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testUser("u1", "alice", "a@x.com")))

	err := store.Create(ctx, testUser("u2", "alice", "b@x.com"))
	assert.ErrorIs(t, err, errors.ErrKeyExists)

	err = store.Create(ctx, testUser("u3", "bob", "a@x.com"))
	assert.ErrorIs(t, err, errors.ErrKeyExists)

	// Uniqueness is case-insensitive
	err = store.Create(ctx, testUser("u4", "ALICE", "c@x.com"))
	assert.ErrorIs(t, err, errors.ErrKeyExists)
	err = store.Create(ctx, testUser("u5", "carol", "A@X.COM"))
	assert.ErrorIs(t, err, errors.ErrKeyExists)
}

func TestMemoryStoreFindByUsernameOrEmail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testUser("u1", "alice", "a@x.com")))

	user, err := store.FindByUsernameOrEmail(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	user, err = store.FindByUsernameOrEmail(ctx, "", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	// Username takes precedence when both are given
	require.NoError(t, store.Create(ctx, testUser("u2", "bob", "b@x.com")))
	user, err = store.FindByUsernameOrEmail(ctx, "bob", "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)

	_, err = store.FindByUsernameOrEmail(ctx, "nobody", "nobody@x.com")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testUser("u1", "alice", "a@x.com")))
	require.NoError(t, store.UpdateStatus(ctx, "u1", StatusOnline))

	user, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, user.Status)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", StatusAway), errors.ErrKeyNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testUser("u1", "alice", "a@x.com")))

	user, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	user.Username = "mutated"

	fresh, err := store.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", fresh.Username)
}

func TestProfileOmitsPasswordHash(t *testing.T) {
	user := testUser("u1", "alice", "a@x.com")
	profile := user.Profile()

	assert.Equal(t, "u1", profile.ID)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "a@x.com", profile.Email)
}
