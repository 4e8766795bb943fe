package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errSample = Policy("velocity_exceeded", "too many referrals")

func TestIsMatchesByKindAndCode(t *testing.T) {
	fresh := Policy("velocity_exceeded", "referrer made 3 referrals in 60 minutes")
	wrapped := fmt.Errorf("failed to create referral: %w", fresh)

	require.ErrorIs(t, wrapped, errSample)
	require.Equal(t, KindPolicy, KindOf(wrapped))
	require.Equal(t, "velocity_exceeded", CodeOf(wrapped))

	other := Policy("circular_referral", "circular")
	require.False(t, errors.Is(other, errSample))
}

func TestFromStoreKeepsTaxonomyErrors(t *testing.T) {
	nf := NotFound("referral_not_found", "referral: not found")
	require.Same(t, nf, FromStore("load referral", nf))

	err := FromStore("load referral", errors.New("connection refused"))
	require.True(t, IsKind(err, KindUnavailable))
	require.Nil(t, FromStore("noop", nil))
}

func TestIsUniqueViolation(t *testing.T) {
	require.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	require.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: referrals.referrer_id")))
	require.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	require.False(t, IsUniqueViolation(nil))
}

func TestWrapCopiesSentinel(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(errSample, cause)
	require.ErrorIs(t, err, errSample)
	require.ErrorIs(t, err, cause)
	require.Nil(t, errSample.Err)
}
