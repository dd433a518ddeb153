package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"generic error", errors.New("some error"), false},
		{"ErrNotFound", ErrNotFound, true},
		{"ErrTaskNotFound", ErrTaskNotFound, true},
		{"wrapped ErrDeadLetterNotFound", fmt.Errorf("load: %w", ErrDeadLetterNotFound), true},
		{"ErrDuplicate", ErrDuplicate, false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, IsNotFoundError(tc.err))
		})
	}
}

func TestIsDuplicateError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDuplicateError(ErrDuplicate))
	assert.True(t, IsDuplicateError(fmt.Errorf("%w: idempotency key", ErrDuplicate)))
	assert.False(t, IsDuplicateError(ErrNotFound))
	assert.False(t, IsDuplicateError(nil))
}

func TestIsTransientError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTransientError(ErrTransactionFailed))
	assert.True(t, IsTransientError(fmt.Errorf("claim: %w", ErrTransactionFailed)))
	assert.False(t, IsTransientError(ErrTaskNotFound))
	assert.False(t, IsTransientError(nil))
}

func TestTaskNotFoundMessage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "entity not found: task", ErrTaskNotFound.Error())
	assert.Equal(t, "entity not found: dead letter", ErrDeadLetterNotFound.Error())
}

func TestClaimOptions_Limits(t *testing.T) {
	t.Parallel()

	opts := ClaimOptions{
		KindConcurrency:        map[string]int{"shot.render": 4, "episode.sync": 0},
		DefaultKindConcurrency: 2,
	}
	assert.Equal(t, 4, opts.ConcurrencyFor("shot.render"))
	assert.Equal(t, 1, opts.ConcurrencyFor("episode.sync"))
	assert.Equal(t, 2, opts.ConcurrencyFor("other"))
	assert.Equal(t, 1, ClaimOptions{}.ConcurrencyFor("other"))
}
