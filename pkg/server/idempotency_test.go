package server

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIdempotencyStore_TTLExpiry(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Now()
	store.clock = func() time.Time { return now }

	require.NoError(t, store.Save(context.Background(), "k", &StoredResponse{
		RequestHash: "abc",
		StatusCode:  201,
		Body:        []byte(`{"id":"1"}`),
	}))

	got, err := store.Lookup(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 201, got.StatusCode)

	now = now.Add(2 * time.Minute)
	got, err = store.Lookup(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entries read as misses")
}

func TestPGIdempotencyStore_LookupMissAndHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPGIdempotencyStore(db, time.Hour)

	mock.ExpectQuery(`SELECT request_hash, status_code, body, stored_at FROM idempotency`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"request_hash", "status_code", "body", "stored_at"}))
	got, err := store.Lookup(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectQuery(`SELECT request_hash, status_code, body, stored_at FROM idempotency`).
		WithArgs("present").
		WillReturnRows(sqlmock.NewRows([]string{"request_hash", "status_code", "body", "stored_at"}).
			AddRow("hash-1", 201, []byte(`{}`), time.Now()))
	got, err = store.Lookup(context.Background(), "present")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hash-1", got.RequestHash)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGIdempotencyStore_SaveIgnoresDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPGIdempotencyStore(db, time.Hour)

	mock.ExpectExec(`INSERT INTO idempotency`).
		WithArgs("k", "h", 200, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Save(context.Background(), "k", &StoredResponse{
		RequestHash: "h", StatusCode: 200, Body: []byte(`{}`),
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
