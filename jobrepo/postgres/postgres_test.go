package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/livepeer/listing-pipeline/domain"
	"github.com/stretchr/testify/require"
)

func TestCreateJobInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db)
	job := domain.Job{
		ID:              "job1",
		ListingID:       "listing1",
		UserID:          "user1",
		TemplateDefault: "crescendo",
		Status:          domain.JobPending,
		InputFiles:      []string{"a.jpg", "b.jpg"},
		StartedAt:       time.Now(),
	}

	mock.ExpectExec(`insert into "jobs"`).
		WithArgs(job.ID, job.ListingID, job.UserID, string(job.TemplateDefault), string(job.Status),
			job.Progress, sqlmock.AnyArg(), job.OutputFile, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredLocksReturnsCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db)
	now := time.Now()

	mock.ExpectExec(`delete from "listing_locks"`).
		WithArgs("listing1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteExpiredLocks(context.Background(), "listing1", now)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteLockExecutesDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db)
	mock.ExpectExec(`delete from "listing_locks"`).
		WithArgs("listing1", "job1", "proc1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.DeleteLock(context.Background(), "listing1", "job1", "proc1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAssetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := New(db)
	mock.ExpectQuery(`select .* from "processed_assets"`).
		WithArgs("missing-key").
		WillReturnRows(sqlmock.NewRows(nil))

	_, ok, err := repo.GetAsset(context.Background(), "missing-key")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
