package coreerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coredbio/core/internal/coreerr"
)

func TestConstraintViolationUnwraps(t *testing.T) {
	inner := &coreerr.NotNullViolation{Column: "amount"}
	wrapped := &coreerr.ConstraintViolation{Cause: inner}
	var target *coreerr.NotNullViolation
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "amount", target.Column)
}

func TestSentinelErrorsSupportIs(t *testing.T) {
	err := fmt.Errorf("dispatch failed: %w", coreerr.ErrCanceled)
	assert.ErrorIs(t, err, coreerr.ErrCanceled)
}

func TestConcurrentDependencyDropMessage(t *testing.T) {
	err := &coreerr.ConcurrentDependencyDrop{Kind: coreerr.ObjectSource, ID: "u5"}
	assert.Contains(t, err.Error(), "u5")
	assert.Contains(t, err.Error(), "source")
}
