package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-io/switchboard/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func flagPayload(t *testing.T, flag model.Flag) []byte {
	t.Helper()
	payload, err := json.Marshal(flag)
	require.NoError(t, err)
	return payload
}

func TestPostgresStore_GetActiveFlag_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM flag_versions`).
		WithArgs("ios", "production", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetActiveFlag(context.Background(), "ios", "production", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetActiveFlag_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	flag := newFlag()
	flag.Version = 3
	flag.IsActive = true
	mock.ExpectQuery(`SELECT payload FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(flagPayload(t, flag)))

	got, err := s.GetActiveFlag(context.Background(), "ios", "production", "checkout-redesign")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
	assert.True(t, got.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateFlag_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO flag_versions`).
		WithArgs(pgxmock.AnyArg(), "ios", "production", "checkout-redesign", 1,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	created, err := s.CreateFlag(context.Background(), newFlag())
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)
	assert.True(t, created.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateFlag_RejectsInvalid(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	flag := newFlag()
	flag.DefaultValue = "C"
	_, err := s.CreateFlag(context.Background(), flag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default value")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateFlag_AtomicSwap(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	current := newFlag()
	current.Version = 1
	current.IsActive = true

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(flagPayload(t, current)))
	mock.ExpectExec(`UPDATE flag_versions SET is_active = false`).
		WithArgs(pgxmock.AnyArg(), "ios", "production", "checkout-redesign", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO flag_versions`).
		WithArgs(pgxmock.AnyArg(), "ios", "production", "checkout-redesign", 2,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	valueA := "new-a"
	updated, err := s.UpdateFlag(context.Background(), "ios", "production", "checkout-redesign", 1,
		model.FlagUpdate{ValueA: &valueA})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "new-a", updated.ValueA)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateFlag_ExpectedVersionMismatch(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	current := newFlag()
	current.Version = 2
	current.IsActive = true

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(flagPayload(t, current)))
	mock.ExpectRollback()

	_, err := s.UpdateFlag(context.Background(), "ios", "production", "checkout-redesign", 1, model.FlagUpdate{})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateFlag_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	current := newFlag()
	current.Version = 1
	current.IsActive = true

	// The deactivate statement affects zero rows: another writer swapped
	// the active version between the read and the update.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(flagPayload(t, current)))
	mock.ExpectExec(`UPDATE flag_versions SET is_active = false`).
		WithArgs(pgxmock.AnyArg(), "ios", "production", "checkout-redesign", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := s.UpdateFlag(context.Background(), "ios", "production", "checkout-redesign", 1, model.FlagUpdate{})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RollbackFlag_AlreadyActiveIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	target := newFlag()
	target.Version = 2
	target.IsActive = true

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload, is_active FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign", 2).
		WillReturnRows(pgxmock.NewRows([]string{"payload", "is_active"}).
			AddRow(flagPayload(t, target), true))
	mock.ExpectRollback()

	got, err := s.RollbackFlag(context.Background(), "ios", "production", "checkout-redesign", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RollbackFlag_Swap(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	target := newFlag()
	target.Version = 1
	target.IsActive = false

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload, is_active FROM flag_versions`).
		WithArgs("ios", "production", "checkout-redesign", 1).
		WillReturnRows(pgxmock.NewRows([]string{"payload", "is_active"}).
			AddRow(flagPayload(t, target), false))
	mock.ExpectExec(`UPDATE flag_versions SET is_active = false`).
		WithArgs(pgxmock.AnyArg(), "ios", "production", "checkout-redesign").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE flag_versions SET is_active = true`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "ios", "production", "checkout-redesign", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	got, err := s.RollbackFlag(context.Background(), "ios", "production", "checkout-redesign", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateExperimentStatus_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	exp := newExperiment()
	exp.Status = model.ExperimentStatusCompleted
	payload, err := json.Marshal(exp)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload FROM experiments`).
		WithArgs("web", "production", "pricing-page").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))
	mock.ExpectRollback()

	_, err = s.UpdateExperimentStatus(context.Background(), "web", "production", "pricing-page",
		model.ExperimentStatusRunning)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetExperiment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT payload FROM experiments`).
		WithArgs("web", "production", "missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetExperiment(context.Background(), "web", "production", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
