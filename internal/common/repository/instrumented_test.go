package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrNotFound, "not_found"},
		{fmt.Errorf("message not found: %w", ErrNotFound), "not_found"},
		{sql.ErrNoRows, "not_found"},
		{ErrDuplicateKey, "duplicate_key"},
		{fmt.Errorf("duplicate message id: %w", ErrDuplicateKey), "duplicate_key"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{errors.New("connection reset"), "internal"},
	}

	for _, c := range cases {
		if got := classifyError(c.err); got != c.want {
			t.Errorf("classifyError(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}
