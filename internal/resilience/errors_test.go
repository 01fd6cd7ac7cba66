package resilience

import (
	"context"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient_ExplicitWrapper(t *testing.T) {
	err := NewTransientError(eris.New("rate limited"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(eris.Wrap(err, "counter: increment")))
}

func TestIsTransient_PgSQLStates(t *testing.T) {
	transientCodes := []string{"40001", "40P01", "55P03", "57P03", "08006"}
	for _, code := range transientCodes {
		assert.True(t, IsTransient(&pgconn.PgError{Code: code}), "code %s", code)
	}

	// Integrity violations are never worth retrying.
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "42703"}))
}

func TestIsTransient_NetworkErrors(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(eris.New("read tcp: i/o timeout")))
}

func TestIsTransient_RedisServerStates(t *testing.T) {
	assert.True(t, IsTransient(eris.New("LOADING Redis is loading the dataset in memory")))
	assert.True(t, IsTransient(eris.New("READONLY You can't write against a read only replica.")))
	assert.False(t, IsTransient(eris.New("WRONGTYPE Operation against a key holding the wrong kind of value")))
}

func TestIsTransient_NeverRetriesCancellation(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "transient", ClassifyError(NewTransientError(eris.New("x"))))
	assert.Equal(t, "permanent", ClassifyError(eris.New("bad payload")))
}
