package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

func TestStoreResultInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExecutionStoreWithPool(mock, "task_executions")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	res := scrape.TaskResult{
		ID:         "result-1",
		TaskID:     "task-1",
		Attempt:    2,
		Status:     scrape.StatusCompleted,
		Success:    true,
		Pages:      1,
		Records:    1,
		Bytes:      512,
		Artifacts:  []string{"gs://bucket/task-1/abc.html"},
		ErrorClass: scrape.ErrorClassNone,
		Proxy:      "10.0.0.1:8080",
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
		Timings:    scrape.Timings{Total: time.Second},
	}

	mock.ExpectExec("INSERT INTO task_executions").
		WithArgs(
			res.ID,
			res.TaskID,
			res.Attempt,
			"completed",
			true,
			1,
			1,
			int64(512),
			[]byte(`["gs://bucket/task-1/abc.html"]`),
			"none",
			"",
			"10.0.0.1:8080",
			false,
			res.StartedAt,
			res.FinishedAt,
			[]byte(`{"rate_limit":0,"proxy":0,"browser":0,"extraction":0,"total":1000000000}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreResult(context.Background(), res))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResultEmptyArtifacts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExecutionStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO task_executions").
		WithArgs(
			"r", "t", 1, "failed", false, 0, 0, int64(0),
			[]byte(`[]`),
			"terminal", "boom", "", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.StoreResult(context.Background(), scrape.TaskResult{
		ID: "r", TaskID: "t", Attempt: 1, Status: scrape.StatusFailed,
		ErrorClass: scrape.ErrorClassTerminal, Error: "boom",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResultPropagatesError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExecutionStoreWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO task_executions").WillReturnError(errors.New("db down"))

	err = store.StoreResult(context.Background(), scrape.TaskResult{ID: "r"})
	require.ErrorContains(t, err, "insert execution")
}

func TestStoreResultRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewExecutionStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, store.StoreResult(context.Background(), scrape.TaskResult{}))
}

func TestNewExecutionStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewExecutionStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewExecutionStoreWithPool(mock, "bad-name")
	require.Error(t, err)
}
