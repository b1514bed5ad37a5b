package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/mediaguard/internal/imaging"
	"github.com/dharsanguruparan/mediaguard/internal/mediaurl"
	"github.com/dharsanguruparan/mediaguard/internal/model"
)

// ErrNotFound is returned when a media item does not exist.
var ErrNotFound = model.ErrNotFound

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MediaRepository wraps all SQL for the media catalog.
type MediaRepository struct {
	pool   DB
	logger *slog.Logger
}

// NewMediaRepository constructs a repository.
func NewMediaRepository(pool DB, logger *slog.Logger) *MediaRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaRepository{pool: pool, logger: logger}
}

// GetItem returns a media item with all of its properties.
func (r *MediaRepository) GetItem(ctx context.Context, id string) (*model.MediaItem, error) {
	item := model.MediaItem{Properties: map[string]string{}}
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, content_type, created_at, updated_at
		FROM media_items WHERE id=$1
	`, id)
	if err := row.Scan(&item.ID, &item.Name, &item.ContentType, &item.CreatedAt, &item.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select media item: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT alias, value FROM media_properties WHERE item_id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("select media properties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var alias, value string
		if err := rows.Scan(&alias, &value); err != nil {
			return nil, fmt.Errorf("scan media property: %w", err)
		}
		item.Properties[alias] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media properties: %w", err)
	}
	return &item, nil
}

// Upsert writes an item and replaces its properties in one transaction.
func (r *MediaRepository) Upsert(ctx context.Context, item *model.MediaItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO media_items (id, name, content_type, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, content_type=EXCLUDED.content_type, updated_at=EXCLUDED.updated_at
	`, item.ID, item.Name, item.ContentType, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert media item: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM media_properties WHERE item_id=$1`, item.ID); err != nil {
		return fmt.Errorf("clear media properties: %w", err)
	}
	for alias, value := range item.Properties {
		if _, err := tx.Exec(ctx, `
			INSERT INTO media_properties (item_id, alias, value) VALUES ($1,$2,$3)
		`, item.ID, alias, value); err != nil {
			return fmt.Errorf("insert media property %s: %w", alias, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *MediaRepository) property(ctx context.Context, id, alias string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `
		SELECT value FROM media_properties WHERE item_id=$1 AND alias=$2
	`, id, alias).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select media property: %w", err)
	}
	return value, value != "", nil
}

// ResolveBaseURL implements mediaurl.ContentProvider.
func (r *MediaRepository) ResolveBaseURL(ctx context.Context, item mediaurl.Item, alias string) (string, bool, error) {
	raw, ok, err := r.property(ctx, item.ID, alias)
	if err != nil || !ok {
		return "", false, err
	}
	src, _, err := imaging.ParsePropertyValue(raw)
	if err != nil {
		r.logger.Error("could not parse media property", "id", item.ID, "alias", alias, "error", err)
		return "", false, nil
	}
	return src, src != "", nil
}

// ResolveCropDataset implements mediaurl.ContentProvider. Undecodable crop
// data is logged and reported as absent.
func (r *MediaRepository) ResolveCropDataset(ctx context.Context, item mediaurl.Item, alias string) (*imaging.CropDataset, error) {
	raw, ok, err := r.property(ctx, item.ID, alias)
	if err != nil || !ok {
		return nil, err
	}
	_, ds, err := imaging.ParsePropertyValue(raw)
	if err != nil {
		r.logger.Error("could not parse crop data", "id", item.ID, "alias", alias, "json", raw, "error", err)
		return nil, nil
	}
	return ds, nil
}
