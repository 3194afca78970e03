package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"relay/internal/types"
)

var (
	bucketChatStates   = []byte("chat_states")
	bucketSessionIndex = []byte("session_index")
)

type bboltRepository struct {
	db       *bolt.DB
	chats    ChatStateStore
	sessions SessionIndexStore
}

func NewBboltRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initBboltSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRepository{
		db:       db,
		chats:    &bboltChatStateStore{db: db, locks: newChatLocks(), now: time.Now},
		sessions: &bboltSessionIndexStore{db: db, locks: newChatLocks(), now: time.Now},
	}, nil
}

func (r *bboltRepository) ChatStates() ChatStateStore {
	return r.chats
}

func (r *bboltRepository) SessionIndex() SessionIndexStore {
	return r.sessions
}

func (r *bboltRepository) Backend() string {
	return RepositoryBackendBbolt
}

func (r *bboltRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func initBboltSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketChatStates); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSessionIndex); err != nil {
			return err
		}
		return nil
	})
}

type bboltChatStateStore struct {
	db    *bolt.DB
	locks *chatLocks
	now   func() time.Time
}

func (s *bboltChatStateStore) Get(ctx context.Context, chatID int64) (*types.ChatState, bool, error) {
	var out *types.ChatState
	err := s.db.View(func(tx *bolt.Tx) error {
		state, err := getChatState(tx, chatID)
		out = state
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *bboltChatStateStore) List(ctx context.Context) ([]*types.ChatState, error) {
	out := make([]*types.ChatState, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChatStates)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var state types.ChatState
			if err := decodeRecord(v, &state, "chat "+string(k)); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidChatState, err)
			}
			out = append(out, &state)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortChatStates(out)
	return out, nil
}

func (s *bboltChatStateStore) Ensure(ctx context.Context, chatID int64, defaults func() *types.ChatState) (*types.ChatState, error) {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *types.ChatState
	err = s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getChatState(tx, chatID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}
		created, err := newChatState(chatID, defaults, s.now())
		if err != nil {
			return err
		}
		out = created
		return putChatState(tx, created)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Update reads the current record, applies fn outside any bolt transaction,
// then writes the result. The chat's writer slot is held across all three.
func (s *bboltChatStateStore) Update(ctx context.Context, chatID int64, fn func(*types.ChatState) error) (*types.ChatState, error) {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, _, err := s.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrChatNotFound
	}
	next, err := applyChatUpdate(current, fn, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return putChatState(tx, next)
	}); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *bboltChatStateStore) Delete(ctx context.Context, chatID int64) error {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChatStates)
		if b == nil {
			return errors.New("chat states bucket missing")
		}
		key := chatKey(chatID)
		if b.Get(key) == nil {
			return ErrChatNotFound
		}
		return b.Delete(key)
	})
}

func getChatState(tx *bolt.Tx, chatID int64) (*types.ChatState, error) {
	b := tx.Bucket(bucketChatStates)
	if b == nil {
		return nil, nil
	}
	raw := b.Get(chatKey(chatID))
	if len(raw) == 0 {
		return nil, nil
	}
	var state types.ChatState
	if err := decodeRecord(raw, &state, fmt.Sprintf("chat %d", chatID)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidChatState, err)
	}
	return &state, nil
}

func putChatState(tx *bolt.Tx, state *types.ChatState) error {
	b := tx.Bucket(bucketChatStates)
	if b == nil {
		return errors.New("chat states bucket missing")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.Put(chatKey(state.ChatID), raw)
}

func chatKey(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

type bboltSessionIndexStore struct {
	db    *bolt.DB
	locks *chatLocks
	now   func() time.Time
}

func (s *bboltSessionIndexStore) Upsert(ctx context.Context, entry *types.SessionIndexEntry) (*types.SessionIndexEntry, error) {
	if err := validateSessionEntry(entry); err != nil {
		return nil, err
	}
	unlock, err := s.locks.lock(ctx, entry.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var normalized *types.SessionIndexEntry
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return errors.New("session index bucket missing")
		}
		key := sessionKey(entry.ChatID, entry.MachineName, entry.SessionID)
		var existing *types.SessionIndexEntry
		if raw := b.Get(key); len(raw) > 0 {
			var item types.SessionIndexEntry
			if err := decodeRecord(raw, &item, fmt.Sprintf("session %q", key)); err != nil {
				return err
			}
			existing = &item
		}
		normalized = normalizeSessionEntry(entry, existing, s.now())
		raw, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	}); err != nil {
		return nil, err
	}
	copy := *normalized
	return &copy, nil
}

func (s *bboltSessionIndexStore) List(ctx context.Context, chatID int64, machineName string, limit int) ([]*types.SessionIndexEntry, error) {
	out := make([]*types.SessionIndexEntry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return nil
		}
		prefix := sessionPrefix(chatID, machineName)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var item types.SessionIndexEntry
			if err := decodeRecord(v, &item, fmt.Sprintf("session %q", k)); err != nil {
				return err
			}
			out = append(out, &item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recentSessions(out, limit), nil
}

func (s *bboltSessionIndexStore) Delete(ctx context.Context, chatID int64, machineName, sessionID string) error {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessionIndex)
		if b == nil {
			return errors.New("session index bucket missing")
		}
		key := sessionKey(chatID, machineName, sessionID)
		if b.Get(key) == nil {
			return ErrSessionNotFound
		}
		return b.Delete(key)
	})
}

func sessionPrefix(chatID int64, machineName string) []byte {
	return []byte(strconv.FormatInt(chatID, 10) + "\x00" + machineName + "\x00")
}

func sessionKey(chatID int64, machineName, sessionID string) []byte {
	return append(sessionPrefix(chatID, machineName), sessionID...)
}
