package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"relay/internal/types"
)

var ErrSessionNotFound = errors.New("session index entry not found")

const sessionIndexSchemaVersion = 1

// SessionIndexStore remembers every thread a chat has used per machine.
type SessionIndexStore interface {
	Upsert(ctx context.Context, entry *types.SessionIndexEntry) (*types.SessionIndexEntry, error)
	List(ctx context.Context, chatID int64, machineName string, limit int) ([]*types.SessionIndexEntry, error)
	Delete(ctx context.Context, chatID int64, machineName, sessionID string) error
}

type fileSessionIndexStore struct {
	dir   string
	locks *chatLocks
	now   func() time.Time
}

type sessionIndexFile struct {
	Version int                        `json:"version"`
	Entries []*types.SessionIndexEntry `json:"entries"`
}

func newFileSessionIndexStore(dir string) *fileSessionIndexStore {
	return &fileSessionIndexStore{dir: filepath.Join(dir, "sessions"), locks: newChatLocks(), now: time.Now}
}

func (s *fileSessionIndexStore) Upsert(ctx context.Context, entry *types.SessionIndexEntry) (*types.SessionIndexEntry, error) {
	if err := validateSessionEntry(entry); err != nil {
		return nil, err
	}
	unlock, err := s.locks.lock(ctx, entry.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	file, err := s.load(entry.ChatID)
	if err != nil {
		return nil, err
	}
	var existing *types.SessionIndexEntry
	index := -1
	for i, item := range file.Entries {
		if item.MachineName == entry.MachineName && item.SessionID == entry.SessionID {
			existing = item
			index = i
			break
		}
	}
	normalized := normalizeSessionEntry(entry, existing, s.now())
	if index >= 0 {
		file.Entries[index] = normalized
	} else {
		file.Entries = append(file.Entries, normalized)
	}
	if err := s.save(entry.ChatID, file); err != nil {
		return nil, err
	}
	copy := *normalized
	return &copy, nil
}

func (s *fileSessionIndexStore) List(ctx context.Context, chatID int64, machineName string, limit int) ([]*types.SessionIndexEntry, error) {
	file, err := s.load(chatID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.SessionIndexEntry, 0, len(file.Entries))
	for _, item := range file.Entries {
		if item == nil || item.MachineName != machineName {
			continue
		}
		copy := *item
		out = append(out, &copy)
	}
	return recentSessions(out, limit), nil
}

func (s *fileSessionIndexStore) Delete(ctx context.Context, chatID int64, machineName, sessionID string) error {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	file, err := s.load(chatID)
	if err != nil {
		return err
	}
	filtered := file.Entries[:0]
	found := false
	for _, item := range file.Entries {
		if item.MachineName == machineName && item.SessionID == sessionID {
			found = true
			continue
		}
		filtered = append(filtered, item)
	}
	if !found {
		return ErrSessionNotFound
	}
	file.Entries = filtered
	return s.save(chatID, file)
}

func (s *fileSessionIndexStore) path(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".json")
}

func (s *fileSessionIndexStore) load(chatID int64) (*sessionIndexFile, error) {
	file := &sessionIndexFile{Version: sessionIndexSchemaVersion, Entries: []*types.SessionIndexEntry{}}
	if err := readDocument(s.path(chatID), file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file, nil
		}
		return nil, err
	}
	return file, nil
}

func (s *fileSessionIndexStore) save(chatID int64, file *sessionIndexFile) error {
	file.Version = sessionIndexSchemaVersion
	return writeDocument(s.path(chatID), file)
}

func validateSessionEntry(entry *types.SessionIndexEntry) error {
	if entry == nil || strings.TrimSpace(entry.SessionID) == "" {
		return errors.New("session index entry requires session id")
	}
	if strings.TrimSpace(entry.MachineName) == "" {
		return errors.New("session index entry requires machine name")
	}
	return nil
}

// normalizeSessionEntry keeps the first-seen timestamp and a known title.
func normalizeSessionEntry(entry *types.SessionIndexEntry, existing *types.SessionIndexEntry, now time.Time) *types.SessionIndexEntry {
	copy := *entry
	if existing != nil {
		if !existing.CreatedAt.IsZero() {
			copy.CreatedAt = existing.CreatedAt
		}
		if copy.Title == "" {
			copy.Title = existing.Title
		}
	}
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = now.UTC()
	}
	if copy.LastUsedAt.IsZero() {
		copy.LastUsedAt = now.UTC()
	}
	return &copy
}

func recentSessions(entries []*types.SessionIndexEntry, limit int) []*types.SessionIndexEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUsedAt.After(entries[j].LastUsedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
