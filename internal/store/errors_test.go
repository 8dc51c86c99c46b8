package store

import (
	"errors"
	"fmt"
	"testing"

	"go.relaykit.dev/internal/common/repository"
)

func TestSentinelsCarryRepositoryClass(t *testing.T) {
	if !errors.Is(ErrNotFound, repository.ErrNotFound) {
		t.Error("ErrNotFound must wrap repository.ErrNotFound")
	}
	if !errors.Is(ErrDuplicate, repository.ErrDuplicateKey) {
		t.Error("ErrDuplicate must wrap repository.ErrDuplicateKey")
	}

	// Wrapped once more, the class still resolves
	wrapped := fmt.Errorf("append: %w", ErrDuplicate)
	if !errors.Is(wrapped, repository.ErrDuplicateKey) {
		t.Error("wrapping must preserve the duplicate class")
	}
}
