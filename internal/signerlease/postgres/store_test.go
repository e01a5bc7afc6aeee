package postgres

import (
	"errors"
	"testing"
)

func TestNew_RejectsNilPool(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
