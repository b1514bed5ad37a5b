// Package storage contains the in-memory media catalog and blob store used for
// local runs and tests.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/model"
	"github.com/dharsanguruparan/mediaguard/internal/transform"
)

// ErrNotFound is returned when a media item does not exist.
var ErrNotFound = model.ErrNotFound

// MemoryStore keeps media items and original blobs in maps guarded by one
// RWMutex. Renditions live in a bounded LRU; losing one only costs a
// re-render.
type MemoryStore struct {
	mu         sync.RWMutex
	items      map[string]*model.MediaItem
	blobs      map[string][]byte
	renditions *lru.Cache[string, *transform.Rendition]
	logger     *slog.Logger
}

// NewMemoryStore constructs a MemoryStore holding at most renditionCap
// renditions.
func NewMemoryStore(renditionCap int, logger *slog.Logger) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	renditions, err := lru.New[string, *transform.Rendition](max(renditionCap, 1))
	if err != nil {
		return nil, fmt.Errorf("create rendition cache: %w", err)
	}
	return &MemoryStore{
		items:      make(map[string]*model.MediaItem),
		blobs:      make(map[string][]byte),
		renditions: renditions,
		logger:     logger,
	}, nil
}

// Save inserts or replaces an item.
func (m *MemoryStore) Save(item *model.MediaItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	m.items[item.ID] = item.Clone()
}

// GetItem returns a copy of the item.
func (m *MemoryStore) GetItem(_ context.Context, id string) (*model.MediaItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (m *MemoryStore) property(id, alias string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return "", false
	}
	v, ok := item.Properties[alias]
	return v, ok && v != ""
}

// ResolveBaseURL implements mediaurl.ContentProvider.
func (m *MemoryStore) ResolveBaseURL(_ context.Context, item mediaurl.Item, alias string) (string, bool, error) {
	raw, ok := m.property(item.ID, alias)
	if !ok {
		return "", false, nil
	}
	src, _, err := imaging.ParsePropertyValue(raw)
	if err != nil {
		m.logger.Error("could not parse media property", "id", item.ID, "alias", alias, "error", err)
		return "", false, nil
	}
	return src, src != "", nil
}

// ResolveCropDataset implements mediaurl.ContentProvider.
func (m *MemoryStore) ResolveCropDataset(_ context.Context, item mediaurl.Item, alias string) (*imaging.CropDataset, error) {
	raw, ok := m.property(item.ID, alias)
	if !ok {
		return nil, nil
	}
	_, ds, err := imaging.ParsePropertyValue(raw)
	if err != nil {
		m.logger.Error("could not parse crop data", "id", item.ID, "alias", alias, "error", err)
		return nil, nil
	}
	return ds, nil
}

// Upsert saves item.
func (m *MemoryStore) Upsert(_ context.Context, item *model.MediaItem) error {
	m.Save(item)
	return nil
}

// UploadOriginal stores an original read from r.
func (m *MemoryStore) UploadOriginal(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read original %s: %w", key, err)
	}
	m.PutObject(key, data)
	return nil
}

// PutObject stores an original under key.
func (m *MemoryStore) PutObject(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
}

// Open implements transform.Origin.
func (m *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transform.ErrSourceNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetRendition implements transform.RenditionStore.
func (m *MemoryStore) GetRendition(_ context.Context, key string) (*transform.Rendition, error) {
	r, ok := m.renditions.Get(key)
	if !ok {
		return nil, transform.ErrRenditionNotFound
	}
	c := *r
	return &c, nil
}

// PutRendition implements transform.RenditionStore.
func (m *MemoryStore) PutRendition(_ context.Context, key string, r *transform.Rendition) error {
	c := *r
	m.renditions.Add(key, &c)
	return nil
}
