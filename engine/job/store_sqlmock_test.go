package job

// Driver-failure paths that an in-memory sqlite database cannot produce.

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/varenq/legion/errors"
)

func TestCountByStatusDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs`).
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(db).CountByStatus(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count jobs")
	assert.Contains(t, err.Error(), "disk I/O error")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneJobsRollsBackOnDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM job_steps`).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = NewStore(db).PruneJobs(context.Background(), 24*time.Hour, time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune steps")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStatusDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT status FROM jobs`).
		WithArgs("job-1").
		WillReturnError(errors.New("connection reset"))

	_, err = NewStore(db).JobStatus(context.Background(), "job-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrNotFound),
		"a driver failure must not read as a missing job")

	require.NoError(t, mock.ExpectationsWereMet())
}
