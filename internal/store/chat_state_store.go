package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"relay/internal/types"
)

var (
	ErrChatNotFound     = errors.New("chat state not found")
	ErrInvalidChatState = errors.New("invalid chat state")
)

const chatStateSchemaVersion = 1

// ChatStateStore is the durable per-chat record. Update runs fn against a
// copy of the current state while holding that chat's writer slot; writers
// for the same chat are sequenced, writers for different chats are not.
type ChatStateStore interface {
	Get(ctx context.Context, chatID int64) (*types.ChatState, bool, error)
	List(ctx context.Context) ([]*types.ChatState, error)
	Ensure(ctx context.Context, chatID int64, defaults func() *types.ChatState) (*types.ChatState, error)
	Update(ctx context.Context, chatID int64, fn func(*types.ChatState) error) (*types.ChatState, error)
	Delete(ctx context.Context, chatID int64) error
}

type chatStateFile struct {
	Version int              `json:"version"`
	State   *types.ChatState `json:"state"`
}

type fileChatStateStore struct {
	dir   string
	locks *chatLocks
	now   func() time.Time
}

func newFileChatStateStore(dir string) *fileChatStateStore {
	return &fileChatStateStore{dir: filepath.Join(dir, "chats"), locks: newChatLocks(), now: time.Now}
}

func (s *fileChatStateStore) Get(ctx context.Context, chatID int64) (*types.ChatState, bool, error) {
	state, err := s.load(chatID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return state, true, nil
}

func (s *fileChatStateStore) List(ctx context.Context) ([]*types.ChatState, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*types.ChatState{}, nil
		}
		return nil, err
	}
	out := make([]*types.ChatState, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		chatID, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		state, err := s.load(chatID)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, state)
	}
	sortChatStates(out)
	return out, nil
}

func (s *fileChatStateStore) Ensure(ctx context.Context, chatID int64, defaults func() *types.ChatState) (*types.ChatState, error) {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.load(chatID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	created, err := newChatState(chatID, defaults, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.save(created); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

func (s *fileChatStateStore) Update(ctx context.Context, chatID int64, fn func(*types.ChatState) error) (*types.ChatState, error) {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.load(chatID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	next, err := applyChatUpdate(current, fn, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.save(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (s *fileChatStateStore) Delete(ctx context.Context, chatID int64) error {
	unlock, err := s.locks.lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(chatID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrChatNotFound
		}
		return err
	}
	return nil
}

func (s *fileChatStateStore) path(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10)+".json")
}

func (s *fileChatStateStore) load(chatID int64) (*types.ChatState, error) {
	var file chatStateFile
	if err := readDocument(s.path(chatID), &file); err != nil {
		if errors.Is(err, ErrCorruptDocument) {
			return nil, fmt.Errorf("%w: chat %d: %w", ErrInvalidChatState, chatID, err)
		}
		return nil, err
	}
	if file.State == nil {
		return nil, fmt.Errorf("%w: chat %d: %w: no state", ErrInvalidChatState, chatID, ErrCorruptDocument)
	}
	return file.State, nil
}

func (s *fileChatStateStore) save(state *types.ChatState) error {
	return writeDocument(s.path(state.ChatID), chatStateFile{
		Version: chatStateSchemaVersion,
		State:   state,
	})
}

func newChatState(chatID int64, defaults func() *types.ChatState, now time.Time) (*types.ChatState, error) {
	state := &types.ChatState{}
	if defaults != nil {
		if seeded := defaults(); seeded != nil {
			state = seeded.Clone()
		}
	}
	state.ChatID = chatID
	return normalizeChatState(state, nil, now)
}

func applyChatUpdate(current *types.ChatState, fn func(*types.ChatState) error, now time.Time) (*types.ChatState, error) {
	next := current.Clone()
	if fn != nil {
		if err := fn(next); err != nil {
			return nil, err
		}
	}
	next.ChatID = current.ChatID
	return normalizeChatState(next, current, now)
}

// normalizeChatState fills defaults and rejects records that break the
// pending approval / run state pairing.
func normalizeChatState(state *types.ChatState, existing *types.ChatState, now time.Time) (*types.ChatState, error) {
	if state.ApprovalMode == "" {
		state.ApprovalMode = types.ApprovalModeOnRequest
	}
	if state.RunState == "" {
		state.RunState = types.RunStateIdle
	}
	if state.SessionID == "" || state.TrustedSessionID != state.SessionID {
		state.TrustedSessionID = ""
		state.TrustedPrefixes = nil
	}
	state.TrustedPrefixes = dedupePrefixes(state.TrustedPrefixes)
	if state.PendingApproval != nil && state.PendingApproval.Version == 0 {
		state.PendingApproval.Version = types.PendingApprovalVersion
	}
	pending := state.PendingApproval != nil
	awaiting := state.RunState == types.RunStateAwaitingApproval
	if pending != awaiting {
		return nil, fmt.Errorf("%w: chat %d has pending=%v with run_state %s", ErrInvalidChatState, state.ChatID, pending, state.RunState)
	}
	if existing != nil && !existing.CreatedAt.IsZero() {
		state.CreatedAt = existing.CreatedAt
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now.UTC()
	}
	state.UpdatedAt = now.UTC()
	return state, nil
}

func dedupePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if _, ok := seen[prefix]; ok {
			continue
		}
		seen[prefix] = struct{}{}
		out = append(out, prefix)
	}
	return out
}

func sortChatStates(states []*types.ChatState) {
	sort.Slice(states, func(i, j int) bool {
		return states[i].ChatID < states[j].ChatID
	})
}
