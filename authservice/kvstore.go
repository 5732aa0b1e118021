package authservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"strings"

	"github.com/DuyTran1503/websocketio/errors"
	"github.com/DuyTran1503/websocketio/natsclient"
)

// KVStore persists users in a JetStream key-value bucket. The user record
// lives under its ID; username and email each get an index key claimed
// atomically with Create, which is what enforces uniqueness across
// instances.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps a bucket-backed KV store.
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Index keys encode the value so emails (which contain characters invalid
// in KV keys) stay usable.
func userKey(id string) string {
	return "user." + id
}

func usernameKey(username string) string {
	return "username." + base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(username)))
}

func emailKey(email string) string {
	return "email." + base64.RawURLEncoding.EncodeToString([]byte(strings.ToLower(email)))
}

func (s *KVStore) Create(ctx context.Context, user *User) error {
	// Claim the username first; losing the race means a duplicate
	unameKey := usernameKey(user.Username)
	if _, err := s.kv.Create(ctx, unameKey, []byte(user.ID)); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrKeyExists, "KVStore", "Create",
				"username already in use")
		}
		return errors.WrapTransient(err, "KVStore", "Create", "claim username")
	}

	if _, err := s.kv.Create(ctx, emailKey(user.Email), []byte(user.ID)); err != nil {
		// Roll the username claim back so it isn't orphaned
		_ = s.kv.Delete(ctx, unameKey)
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(errors.ErrKeyExists, "KVStore", "Create",
				"email already in use")
		}
		return errors.WrapTransient(err, "KVStore", "Create", "claim email")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "KVStore", "Create", "marshal user")
	}
	if _, err := s.kv.Put(ctx, userKey(user.ID), data); err != nil {
		return errors.WrapTransient(err, "KVStore", "Create", "store user")
	}
	return nil
}

func (s *KVStore) GetByID(ctx context.Context, id string) (*User, error) {
	entry, err := s.kv.Get(ctx, userKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "GetByID",
				"user not found")
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetByID", "load user")
	}

	var user User
	if err := json.Unmarshal(entry.Value, &user); err != nil {
		return nil, errors.Wrap(err, "KVStore", "GetByID", "unmarshal user")
	}
	return &user, nil
}

func (s *KVStore) FindByUsernameOrEmail(ctx context.Context, username, email string) (*User, error) {
	var id string

	if username != "" {
		if entry, err := s.kv.Get(ctx, usernameKey(username)); err == nil {
			id = string(entry.Value)
		} else if !natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapTransient(err, "KVStore", "FindByUsernameOrEmail", "lookup username")
		}
	}
	if id == "" && email != "" {
		if entry, err := s.kv.Get(ctx, emailKey(email)); err == nil {
			id = string(entry.Value)
		} else if !natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapTransient(err, "KVStore", "FindByUsernameOrEmail", "lookup email")
		}
	}

	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "FindByUsernameOrEmail",
			"user not found")
	}
	return s.GetByID(ctx, id)
}

func (s *KVStore) UpdateStatus(ctx context.Context, id, status string) error {
	err := s.kv.UpdateJSON(ctx, userKey(id), func(current map[string]any) error {
		if len(current) == 0 {
			return errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "UpdateStatus",
				"user not found")
		}
		current["status"] = status
		return nil
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return err
		}
		return errors.WrapTransient(err, "KVStore", "UpdateStatus", "update status")
	}
	return nil
}
