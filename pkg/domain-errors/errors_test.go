package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped domain error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeGone, "resource deleted"))
		assert.True(t, HasCode(err, CodeGone))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("plain errors have no code", func(t *testing.T) {
		err := errors.New("boom")
		assert.False(t, HasCode(err, CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(err))
	})
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeStorageUnavailable, "store unavailable")
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "store unavailable: connection refused", err.Error())

	withDetails := New(CodeUnsupportedSearchParameter, "unsupported search parameters").WithDetails("foo", "bar")
	assert.Equal(t, "unsupported search parameters [foo, bar]", withDetails.Error())
	assert.Equal(t, []string{"foo", "bar"}, withDetails.Details)
}
