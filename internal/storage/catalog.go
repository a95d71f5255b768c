package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/levitate/musicgen/internal/model"
)

const catalogFile = "catalog.db"

// Catalog holds asset metadata and embedding records in SQLite.
type Catalog struct {
	db   *sql.DB
	path string
}

// OpenCatalog opens (or creates) the catalog database in dir and applies
// pending migrations.
func OpenCatalog(ctx context.Context, dir string) (*Catalog, error) {
	dbPath := filepath.Join(dir, catalogFile)

	// Pragmas go through the DSN so every pooled connection gets them.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	c := &Catalog{db: db, path: dbPath}
	if err := c.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Ping checks the database connection.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Path returns the database file location.
func (c *Catalog) Path() string {
	return c.path
}

func (c *Catalog) InsertAsset(ctx context.Context, a *model.AudioAsset) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO assets (
            asset_id, original_filename, byte_size, duration_seconds, sample_rate,
            channels, content_format, storage_location, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.OriginalFilename,
		a.ByteSize,
		a.Duration,
		a.SampleRate,
		a.Channels,
		string(a.Format),
		a.StorageLocation,
		string(a.Status),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// GetAsset returns the asset row or model.ErrNotFound.
func (c *Catalog) GetAsset(ctx context.Context, assetID string) (*model.AudioAsset, error) {
	row := c.db.QueryRowContext(ctx, selectAssetSQL+" WHERE asset_id = ?", assetID)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", assetID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns assets ordered by creation time. A zero createdBefore
// lists everything.
func (c *Catalog) ListAssets(ctx context.Context, createdBefore time.Time) ([]*model.AudioAsset, error) {
	query := selectAssetSQL
	var args []any
	if !createdBefore.IsZero() {
		query += " WHERE created_at < ?"
		args = append(args, formatTime(createdBefore))
	}
	query += " ORDER BY created_at ASC"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []*model.AudioAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// UpdateStatus moves an asset to status. Invalid assets never change again
// and embedded only replaces uploaded.
func (c *Catalog) UpdateStatus(ctx context.Context, assetID string, status model.AssetStatus) (bool, error) {
	query := `UPDATE assets SET status = ?, updated_at = ? WHERE asset_id = ? AND status != ?`
	args := []any{string(status), formatTime(time.Now().UTC()), assetID, string(model.AssetStatusInvalid)}
	if status == model.AssetStatusEmbedded {
		query += " AND status = ?"
		args = append(args, string(model.AssetStatusUploaded))
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update asset status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteAsset removes the asset row; embedding and result rows cascade.
func (c *Catalog) DeleteAsset(ctx context.Context, assetID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM assets WHERE asset_id = ?`, assetID); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// UpsertEmbedding stores rec, replacing any previous record for the asset.
func (c *Catalog) UpsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) error {
	vector, err := json.Marshal(rec.Vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO embeddings (asset_id, model_identifier, dimension, vector_json, computed_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (asset_id) DO UPDATE SET
            model_identifier = excluded.model_identifier,
            dimension = excluded.dimension,
            vector_json = excluded.vector_json,
            computed_at = excluded.computed_at`,
		rec.AssetID,
		rec.ModelIdentifier,
		rec.Dimension,
		string(vector),
		formatTime(rec.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the embedding of an asset or model.ErrNotFound.
func (c *Catalog) GetEmbedding(ctx context.Context, assetID string) (*model.EmbeddingRecord, error) {
	var (
		rec        model.EmbeddingRecord
		vectorJSON string
		computedAt string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT asset_id, model_identifier, dimension, vector_json, computed_at
        FROM embeddings WHERE asset_id = ?`, assetID,
	).Scan(&rec.AssetID, &rec.ModelIdentifier, &rec.Dimension, &vectorJSON, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding for %s: %w", assetID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	if err := json.Unmarshal([]byte(vectorJSON), &rec.Vector); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	rec.ComputedAt = parseTime(computedAt)
	return &rec, nil
}

// InsertResult records that a job's generated output belongs to an asset.
func (c *Catalog) InsertResult(ctx context.Context, jobID, assetID, location string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO results (job_id, asset_id, storage_location, created_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (job_id) DO UPDATE SET storage_location = excluded.storage_location`,
		jobID, assetID, location, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResultLocation returns where a job's output is stored or model.ErrNotFound.
func (c *Catalog) GetResultLocation(ctx context.Context, jobID string) (string, error) {
	var loc string
	err := c.db.QueryRowContext(ctx, `SELECT storage_location FROM results WHERE job_id = ?`, jobID).Scan(&loc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("result for %s: %w", jobID, model.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get result: %w", err)
	}
	return loc, nil
}

// ListResultLocations returns the output locations of every job of an asset.
func (c *Catalog) ListResultLocations(ctx context.Context, assetID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT storage_location FROM results WHERE asset_id = ?`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var locs []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// DeleteResult removes the result row of a job.
func (c *Catalog) DeleteResult(ctx context.Context, jobID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM results WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

const selectAssetSQL = `SELECT asset_id, original_filename, byte_size, duration_seconds, sample_rate,
    channels, content_format, storage_location, status, created_at, updated_at FROM assets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*model.AudioAsset, error) {
	var (
		a                    model.AudioAsset
		format, status       string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&a.ID,
		&a.OriginalFilename,
		&a.ByteSize,
		&a.Duration,
		&a.SampleRate,
		&a.Channels,
		&format,
		&a.StorageLocation,
		&status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	a.Format = model.AudioFormat(format)
	a.Status = model.AssetStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// Fixed-width so created_at compares correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
