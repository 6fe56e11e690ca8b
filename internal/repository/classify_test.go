package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/mattercrawl/engine/internal/crawlerr"
)

func TestClassify_MapsErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want crawlerr.Kind
	}{
		{"deadline", context.DeadlineExceeded, crawlerr.KindDatabaseTimeout},
		{"cancelled", context.Canceled, crawlerr.KindCancelled},
		{"unique violation", &pgconn.PgError{Code: "23505"}, crawlerr.KindIntegrityViolation},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, crawlerr.KindDatabaseLock},
		{"lock unavailable", &pgconn.PgError{Code: "55P03"}, crawlerr.KindDatabaseLock},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, crawlerr.KindDatabaseTimeout},
		{"connection failure", &pgconn.PgError{Code: "08006"}, crawlerr.KindDatabaseConnection},
		{"unknown", errors.New("boom"), crawlerr.KindDatabaseConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			kind, ok := crawlerr.KindOf(got)
			require.True(t, ok)
			require.Equal(t, tt.want, kind)
		})
	}
}

func TestClassify_NilPassesThrough(t *testing.T) {
	require.NoError(t, classify("op", nil))
}
