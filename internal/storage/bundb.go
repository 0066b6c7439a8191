package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"mediasweep/internal/common"
	"mediasweep/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// GetSchemaInfo retrieves a schema_info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Watermark Operations ---

// GetWatermark returns the watermark of a remote folder.
// It returns common.ErrNotFound when the folder was never synced.
func (db *BunDB) GetWatermark(ctx context.Context, folder string) (Watermark, error) {
	var m WatermarkModel
	err := db.NewSelect().
		Model(&m).
		Where("folder = ?", folder).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, fmt.Errorf("watermark for %s: %w", folder, common.ErrNotFound)
	}
	if err != nil {
		return Watermark{}, err
	}
	return m.ToWatermark(), nil
}

// SetWatermark upserts the watermark of a remote folder.
// Uses retry logic to handle transient "database is locked" errors.
func (db *BunDB) SetWatermark(ctx context.Context, wm Watermark, now time.Time) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(&WatermarkModel{
				Folder:    wm.Folder,
				LastSync:  wm.LastSync.UnixNano(),
				Files:     wm.Files,
				UpdatedAt: now.Unix(),
			}).
			On("CONFLICT (folder) DO UPDATE").
			Set("last_sync = EXCLUDED.last_sync").
			Set("files = EXCLUDED.files").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// ListWatermarks returns all watermarks ordered by folder.
func (db *BunDB) ListWatermarks(ctx context.Context) ([]Watermark, error) {
	var models []WatermarkModel
	if err := db.NewSelect().Model(&models).Order("folder ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]Watermark, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToWatermark())
	}
	return out, nil
}

// --- Run Operations ---

// StartRun records a run in "running" state.
func (db *BunDB) StartRun(ctx context.Context, id, command string, started time.Time) error {
	return util.Retry(ctx, func() error {
		_, err := db.NewInsert().
			Model(&RunModel{
				ID:        id,
				Command:   command,
				StartedAt: started.Unix(),
				Status:    RunRunning,
			}).
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// FinishRun stores the final counts of a run. A non-nil runErr marks the
// run failed.
func (db *BunDB) FinishRun(ctx context.Context, id string, counts RunCounts, runErr error, finished time.Time) error {
	status, msg := RunOK, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	return util.Retry(ctx, func() error {
		res, err := db.NewUpdate().
			Model((*RunModel)(nil)).
			Set("finished_at = ?", finished.Unix()).
			Set("status = ?", status).
			Set("total = ?", counts.Total).
			Set("succeeded = ?", counts.Succeeded).
			Set("kept = ?", counts.Kept).
			Set("failed = ?", counts.Failed).
			Set("error = ?", msg).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("run %s: %w", id, common.ErrNotFound)
		}
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// RecentRuns returns up to limit runs, newest first.
func (db *BunDB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	models, err := util.RetryWithResult(ctx, func() ([]RunModel, error) {
		var models []RunModel
		q := db.NewSelect().Model(&models).Order("started_at DESC", "id DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		err := q.Scan(ctx)
		return models, err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(models))
	for i := range models {
		runs = append(runs, models[i].ToRun())
	}
	log.WithField("runs", len(runs)).Debug("loaded run history")
	return runs, nil
}
