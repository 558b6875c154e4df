// Package postgres is the real jobrepo.Repository, grounded on
// pipeline.Coordinator.sendDBMetrics's raw database/sql + lib/pq usage:
// plain parameterized SQL, no ORM, matching the teacher's direct-SQL
// style throughout pipeline/coordinator.go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/livepeer/listing-pipeline/domain"
	"github.com/livepeer/listing-pipeline/jobrepo"
	"github.com/livepeer/listing-pipeline/log"
)

type Repository struct {
	db *sql.DB
}

// Open connects to dsn, matching the teacher's direct sql.Open("postgres", ...)
// call sites rather than a connection-pool abstraction.
func Open(dsn string) (*Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobrepo/postgres: failed to open: %w", err)
	}
	return &Repository{db: db}, nil
}

func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateJob(ctx context.Context, job domain.Job) error {
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		insert into "jobs" (
			"id", "listing_id", "user_id", "template_default", "status",
			"progress", "input_files", "output_file", "metadata", "started_at"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict ("id") do nothing`,
		job.ID, job.ListingID, job.UserID, string(job.TemplateDefault), string(job.Status),
		job.Progress, jsonStringArray(job.InputFiles), job.OutputFile, metadataJSON, job.StartedAt,
	)
	if err != nil {
		log.LogError(job.ID, "jobrepo/postgres: failed to insert job", err)
		return fmt.Errorf("jobrepo/postgres: failed to insert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		select "id", "listing_id", "user_id", "template_default", "status",
			"progress", "input_files", "output_file", "metadata", "started_at", "completed_at"
		from "jobs" where "id" = $1`, jobID)

	var (
		job          domain.Job
		status       string
		inputFiles   []byte
		metadataJSON []byte
		completedAt  sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.ListingID, &job.UserID, &job.TemplateDefault, &status,
		&job.Progress, &inputFiles, &job.OutputFile, &metadataJSON, &job.StartedAt, &completedAt); err != nil {
		return domain.Job{}, fmt.Errorf("jobrepo/postgres: failed to load job %q: %w", jobID, err)
	}
	job.Status = domain.JobStatus(status)
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return domain.Job{}, fmt.Errorf("jobrepo/postgres: failed to unmarshal metadata for job %q: %w", jobID, err)
		}
	}
	if len(inputFiles) > 0 {
		if err := json.Unmarshal(inputFiles, &job.InputFiles); err != nil {
			return domain.Job{}, fmt.Errorf("jobrepo/postgres: failed to unmarshal input_files for job %q: %w", jobID, err)
		}
	}
	return job, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, patch jobrepo.StatusPatch) error {
	var errJSON []byte
	if patch.Error != nil {
		var err error
		errJSON, err = json.Marshal(patch.Error)
		if err != nil {
			return fmt.Errorf("jobrepo/postgres: failed to marshal error details: %w", err)
		}
	}
	var progress any
	if patch.Progress != nil {
		progress = *patch.Progress
	}
	_, err := r.db.ExecContext(ctx, `
		update "jobs" set "status" = $1,
			"progress" = coalesce($2, "progress"),
			"error_details" = coalesce($3, "error_details")
		where "id" = $4`,
		string(status), progress, nullableJSON(errJSON), jobID,
	)
	if err != nil {
		log.LogError(jobID, "jobrepo/postgres: failed to update job status", err, "status", status)
		return fmt.Errorf("jobrepo/postgres: failed to update status for job %q: %w", jobID, err)
	}
	return nil
}

func (r *Repository) SetMetadata(ctx context.Context, jobID string, mergePatch domain.Metadata) error {
	patchJSON, err := json.Marshal(mergePatch)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to marshal metadata patch: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		update "jobs" set "metadata" = coalesce("metadata", '{}'::jsonb) || $1::jsonb
		where "id" = $2`,
		patchJSON, jobID,
	)
	if err != nil {
		log.LogError(jobID, "jobrepo/postgres: failed to merge metadata", err)
		return fmt.Errorf("jobrepo/postgres: failed to merge metadata for job %q: %w", jobID, err)
	}
	return nil
}

func (r *Repository) SetOutput(ctx context.Context, jobID, outputBlobURL string, completedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		update "jobs" set "output_file" = $1, "completed_at" = $2, "status" = $3
		where "id" = $4`,
		outputBlobURL, completedAt, string(domain.JobCompleted), jobID,
	)
	if err != nil {
		log.LogError(jobID, "jobrepo/postgres: failed to set output", err)
		return fmt.Errorf("jobrepo/postgres: failed to set output for job %q: %w", jobID, err)
	}
	return nil
}

func (r *Repository) GetPhotos(ctx context.Context, listingID string, ordering jobrepo.Ordering) ([]domain.Photo, error) {
	order := "asc"
	if ordering == jobrepo.OrderDescending {
		order = "desc"
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		select "id", "listing_id", "order", "file_path", "processed_file_path",
			"runway_video_path", "status", "source_width", "source_height", "metadata"
		from "photos" where "listing_id" = $1 order by "order" %s`, order), listingID)
	if err != nil {
		return nil, fmt.Errorf("jobrepo/postgres: failed to list photos for listing %q: %w", listingID, err)
	}
	defer rows.Close()

	var photos []domain.Photo
	for rows.Next() {
		var (
			p            domain.Photo
			status       string
			metadataJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.ListingID, &p.Order, &p.FilePath, &p.ProcessedFilePath,
			&p.RunwayVideoPath, &status, &p.SourceWidth, &p.SourceHeight, &metadataJSON); err != nil {
			return nil, fmt.Errorf("jobrepo/postgres: failed to scan photo row: %w", err)
		}
		p.Status = domain.PhotoStatus(status)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
				return nil, fmt.Errorf("jobrepo/postgres: failed to unmarshal photo metadata: %w", err)
			}
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (r *Repository) UpdatePhoto(ctx context.Context, photoID string, patch domain.Photo) error {
	metadataJSON, err := json.Marshal(patch.Metadata)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to marshal photo metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		update "photos" set
			"file_path" = coalesce(nullif($1, ''), "file_path"),
			"processed_file_path" = coalesce(nullif($2, ''), "processed_file_path"),
			"runway_video_path" = coalesce(nullif($3, ''), "runway_video_path"),
			"status" = coalesce(nullif($4, ''), "status"),
			"metadata" = coalesce("metadata", '{}'::jsonb) || $5::jsonb
		where "id" = $6`,
		patch.FilePath, patch.ProcessedFilePath, patch.RunwayVideoPath, string(patch.Status), metadataJSON, photoID,
	)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to update photo %q: %w", photoID, err)
	}
	return nil
}

func (r *Repository) UpsertPhotoByOrder(ctx context.Context, listingID string, order int, patch domain.Photo) error {
	metadataJSON, err := json.Marshal(patch.Metadata)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to marshal photo metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		insert into "photos" (
			"id", "listing_id", "order", "file_path", "processed_file_path",
			"runway_video_path", "status", "source_width", "source_height", "metadata"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict ("listing_id", "order") do update set
			"file_path" = coalesce(nullif(excluded."file_path", ''), "photos"."file_path"),
			"processed_file_path" = coalesce(nullif(excluded."processed_file_path", ''), "photos"."processed_file_path"),
			"runway_video_path" = coalesce(nullif(excluded."runway_video_path", ''), "photos"."runway_video_path"),
			"status" = coalesce(nullif(excluded."status", ''), "photos"."status"),
			"metadata" = coalesce("photos"."metadata", '{}'::jsonb) || excluded."metadata"`,
		patch.ID, listingID, order, patch.FilePath, patch.ProcessedFilePath,
		patch.RunwayVideoPath, string(patch.Status), patch.SourceWidth, patch.SourceHeight, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to upsert photo (%q, %d): %w", listingID, order, err)
	}
	return nil
}

func (r *Repository) ListLocks(ctx context.Context, listingID string) ([]domain.ListingLock, error) {
	rows, err := r.db.QueryContext(ctx, `
		select "listing_id", "job_id", "process_id", "expires_at"
		from "listing_locks" where "listing_id" = $1`, listingID)
	if err != nil {
		return nil, fmt.Errorf("jobrepo/postgres: failed to list locks for listing %q: %w", listingID, err)
	}
	defer rows.Close()

	var locks []domain.ListingLock
	for rows.Next() {
		var l domain.ListingLock
		if err := rows.Scan(&l.ListingID, &l.JobID, &l.ProcessID, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("jobrepo/postgres: failed to scan lock row: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// CreateLock runs inside a transaction that first verifies no non-expired
// lock exists for listingID, per spec §4.10.
func (r *Repository) CreateLock(ctx context.Context, lock domain.ListingLock) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to begin lock tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var activeCount int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from "listing_locks"
		where "listing_id" = $1 and "expires_at" > now()`, lock.ListingID,
	).Scan(&activeCount); err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to check existing locks: %w", err)
	}
	if activeCount > 0 {
		return fmt.Errorf("jobrepo/postgres: listing %q is already locked", lock.ListingID)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into "listing_locks" ("listing_id", "job_id", "process_id", "expires_at")
		values ($1, $2, $3, $4)`,
		lock.ListingID, lock.JobID, lock.ProcessID, lock.ExpiresAt,
	); err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to insert lock: %w", err)
	}

	return tx.Commit()
}

func (r *Repository) DeleteExpiredLocks(ctx context.Context, listingID string, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		delete from "listing_locks" where "listing_id" = $1 and "expires_at" <= $2`,
		listingID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("jobrepo/postgres: failed to delete expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // RowsAffected support varies by driver; absence isn't a failure here
	}
	return int(n), nil
}

func (r *Repository) DeleteLock(ctx context.Context, listingID, jobID, processID string) error {
	_, err := r.db.ExecContext(ctx, `
		delete from "listing_locks"
		where "listing_id" = $1 and "job_id" = $2 and "process_id" = $3`,
		listingID, jobID, processID,
	)
	if err != nil {
		log.LogError(jobID, "jobrepo/postgres: failed to delete lock", err, "listing_id", listingID)
		return fmt.Errorf("jobrepo/postgres: failed to delete lock: %w", err)
	}
	return nil
}

func (r *Repository) PutAsset(ctx context.Context, asset domain.ProcessedAsset) error {
	_, err := r.db.ExecContext(ctx, `
		insert into "processed_assets" (
			"cache_key", "type", "path", "hash", "size_bytes", "timestamp", "last_accessed", "access_count", "tier"
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict ("cache_key") do update set
			"type" = excluded."type", "path" = excluded."path", "hash" = excluded."hash",
			"size_bytes" = excluded."size_bytes", "timestamp" = excluded."timestamp",
			"last_accessed" = excluded."last_accessed", "access_count" = 0, "tier" = excluded."tier"`,
		asset.CacheKey, string(asset.Type), asset.Path, asset.Hash, asset.SizeBytes,
		asset.Timestamp, asset.LastAccessed, asset.AccessCount, string(asset.Tier),
	)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to put asset %q: %w", asset.CacheKey, err)
	}
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, cacheKey string) (domain.ProcessedAsset, bool, error) {
	var (
		asset     domain.ProcessedAsset
		assetType string
		tier      string
	)
	row := r.db.QueryRowContext(ctx, `
		select "cache_key", "type", "path", "hash", "size_bytes", "timestamp", "last_accessed", "access_count", "tier"
		from "processed_assets" where "cache_key" = $1`, cacheKey)
	err := row.Scan(&asset.CacheKey, &assetType, &asset.Path, &asset.Hash, &asset.SizeBytes,
		&asset.Timestamp, &asset.LastAccessed, &asset.AccessCount, &tier)
	if err == sql.ErrNoRows {
		return domain.ProcessedAsset{}, false, nil
	}
	if err != nil {
		return domain.ProcessedAsset{}, false, fmt.Errorf("jobrepo/postgres: failed to get asset %q: %w", cacheKey, err)
	}
	asset.Type = domain.AssetType(assetType)
	asset.Tier = domain.CacheTier(tier)
	return asset, true, nil
}

func (r *Repository) TouchAsset(ctx context.Context, cacheKey string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		update "processed_assets" set "last_accessed" = $1, "access_count" = "access_count" + 1
		where "cache_key" = $2`,
		now, cacheKey,
	)
	if err != nil {
		return fmt.Errorf("jobrepo/postgres: failed to touch asset %q: %w", cacheKey, err)
	}
	return nil
}

func jsonStringArray(ss []string) []byte {
	b, err := json.Marshal(ss)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ jobrepo.Repository = (*Repository)(nil)
