package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"go.uber.org/zap"
)

// DefaultShardDepth is the number of leading id characters naming the shard
// directory.
const DefaultShardDepth = 2

// FileStore keeps one JSON file per message under basePath/<shard>/<id>.json.
type FileStore struct {
	basePath   string
	logger     *zap.SugaredLogger
	shardDepth int
}

func NewFileStore(basePath string, logger *zap.SugaredLogger, shardDepth int) (*FileStore, error) {
	if basePath == "" {
		return nil, errors.New("file store path must not be empty")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		basePath:   basePath,
		logger:     logger,
		shardDepth: shardDepth,
	}, nil
}

func (fs *FileStore) getShard(id string) string {
	if len(id) < fs.shardDepth {
		return id
	}
	return id[:fs.shardDepth]
}

func (fs *FileStore) path(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return filepath.Join(fs.basePath, fs.getShard(id), id+".json"), nil
}

// Save writes to a temp file and links it into place. The link fails if the
// id is already stored, which makes the insert atomic.
func (fs *FileStore) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, _ := tracing.StartSpanFromContext(ctx, "FileSave", msg.ID)
	defer span.Finish()

	target, err := fs.path(msg.ID)
	if err != nil {
		return false, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		tracing.MarkError(span, "mkdir_error", err)
		return false, fmt.Errorf("failed to create shard directory: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		tracing.MarkError(span, "file_open_error", err)
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		tracing.MarkError(span, "write_error", err)
		return false, fmt.Errorf("failed to write to file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		tracing.MarkError(span, "link_error", err)
		return false, fmt.Errorf("failed to store message file: %w", err)
	}

	span.LogKV("event", "message_stored", "shard", fs.getShard(msg.ID), "message_id", msg.ID)
	return true, nil
}

func (fs *FileStore) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	target, err := fs.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var msg models.EnrichedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored message: %w", err)
	}
	return &msg, nil
}

func (fs *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("failed to stat base directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileStore) Close(ctx context.Context) error {
	return nil
}
