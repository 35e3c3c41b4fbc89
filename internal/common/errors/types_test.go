package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	t.Run("type and message", func(t *testing.T) {
		err := ValidationError("ttl must be positive")
		assert.Equal(t, "validation: ttl must be positive", err.Error())
	})

	t.Run("includes cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := ConnectionError("redis unavailable", cause)
		assert.Contains(t, err.Error(), "connection refused")
		assert.Contains(t, err.Error(), "redis unavailable")
	})

	t.Run("includes context", func(t *testing.T) {
		err := SerializationError("decompress failed", nil).WithContext("key", "user:42")
		assert.Contains(t, err.Error(), "key=user:42")
	})
}

func TestAppError_Unwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := InternalError("wrapped", cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.True(t, stderrors.Is(err, cause))
}

func TestIsType(t *testing.T) {
	t.Run("matching type", func(t *testing.T) {
		err := TimeoutError("l2 get")
		assert.True(t, IsType(err, ErrTypeTimeout))
		assert.False(t, IsType(err, ErrTypeValidation))
	})

	t.Run("nil error", func(t *testing.T) {
		assert.False(t, IsType(nil, ErrTypeInternal))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.False(t, IsType(stderrors.New("plain"), ErrTypeInternal))
	})
}

func TestGetType(t *testing.T) {
	assert.Equal(t, ErrTypeConfig, GetType(ConfigError("missing redis address")))
	assert.Equal(t, ErrTypeInternal, GetType(stderrors.New("plain")))
	assert.Equal(t, ErrorType(""), GetType(nil))
	assert.Equal(t, ErrTypeNotFound, GetType(NotFoundError("key")))
}
