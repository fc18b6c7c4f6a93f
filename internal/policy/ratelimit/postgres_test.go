package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresIncrementAllowed(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0).UTC()
	store.now = func() time.Time { return now }
	resetAt := now.Add(time.Minute)

	mock.ExpectQuery("INSERT INTO rate_limits").
		WithArgs("ratelimit:example.com", now, resetAt, int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "reset_at"}).AddRow(int64(3), resetAt))

	c, err := store.Increment(context.Background(), "ratelimit:example.com", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, int64(3), c.Count)
	assert.Equal(t, resetAt, c.ResetAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementRejectedWhenFull(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "quotas")
	require.NoError(t, err)
	resetAt := time.Unix(1700000030, 0).UTC()

	mock.ExpectQuery("INSERT INTO quotas").
		WithArgs("k", pgxmock.AnyArg(), pgxmock.AnyArg(), int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "reset_at"}).AddRow(int64(6), resetAt))

	c, err := store.Increment(context.Background(), "k", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, int64(5), c.Count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementError(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectQuery("INSERT INTO rate_limits").WillReturnError(errors.New("boom"))

	_, err = store.Increment(context.Background(), "k", 5, time.Minute)
	require.ErrorContains(t, err, "increment rate limit")
}

func TestPostgresReset(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPostgresStoreWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("DELETE FROM rate_limits").
		WithArgs("k").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.Reset(context.Background(), "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreRejectsBadTable(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewPostgresStoreWithPool(mock, "quotas; DROP TABLE x")
	assert.Error(t, err)
}
