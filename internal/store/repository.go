package store

import (
	"errors"
	"strings"
)

const (
	RepositoryBackendFile  = "file"
	RepositoryBackendBbolt = "bbolt"
)

type Repository interface {
	ChatStates() ChatStateStore
	SessionIndex() SessionIndexStore
	Backend() string
	Close() error
}

type fileRepository struct {
	chats    ChatStateStore
	sessions SessionIndexStore
}

// NewFileRepository keeps one JSON document per chat under dir.
func NewFileRepository(dir string) (Repository, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("state dir is required for file repository")
	}
	return &fileRepository{
		chats:    newFileChatStateStore(dir),
		sessions: newFileSessionIndexStore(dir),
	}, nil
}

func (r *fileRepository) ChatStates() ChatStateStore {
	return r.chats
}

func (r *fileRepository) SessionIndex() SessionIndexStore {
	return r.sessions
}

func (r *fileRepository) Backend() string {
	return RepositoryBackendFile
}

func (r *fileRepository) Close() error {
	return nil
}

func OpenRepository(path string, backend string) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", RepositoryBackendBbolt:
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("db path is required for bbolt repository")
		}
		return NewBboltRepository(path)
	case RepositoryBackendFile:
		return NewFileRepository(path)
	default:
		return nil, errors.New("unsupported repository backend: " + backend)
	}
}
