package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SignalStore is the read side the engine scores against. Every method is
// a counting or lookup query over the referrals table.
type SignalStore interface {
	CountDeviceReferrers(ctx context.Context, fingerprint string, excludeReferrerID string) (int, error)
	CountIPReferrers(ctx context.Context, ip string, excludeReferrerID string) (int, error)
	CountReferralsSince(ctx context.Context, referrerID string, since time.Time) (int, error)
	FindReferralID(ctx context.Context, referrerID string, refereeID string) (string, error)
	CountFlaggedAsReferee(ctx context.Context, refereeID string) (int, error)
	ListReviewCandidates(ctx context.Context, deviceThreshold int, ipThreshold int, limit int, offset int) ([]ReferralRow, error)
	CountReferrals(ctx context.Context) (total int64, flagged int64, err error)
	CountCircularPairs(ctx context.Context) (int64, error)
	CountDeviceClusters(ctx context.Context, threshold int) (int64, error)
	CountIPClusters(ctx context.Context, threshold int) (int64, error)
	ListReferralTimes(ctx context.Context) ([]ReferralTime, error)
}

type ReferralRow struct {
	ID                string         `db:"id"`
	ReferrerID        string         `db:"referrer_id"`
	RefereeID         string         `db:"referee_id"`
	DeviceFingerprint sql.NullString `db:"device_fingerprint"`
	IPAddress         sql.NullString `db:"ip_address"`
	CreatedAt         time.Time      `db:"created_at"`
}

type ReferralTime struct {
	ReferrerID string    `db:"referrer_id"`
	CreatedAt  time.Time `db:"created_at"`
}

type SQLSignalStore struct {
	db *sqlx.DB
}

func NewSQLSignalStore(db *sqlx.DB) *SQLSignalStore {
	return &SQLSignalStore{db: db}
}

func (s *SQLSignalStore) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLSignalStore) CountDeviceReferrers(ctx context.Context, fingerprint string, excludeReferrerID string) (int, error) {
	n, err := s.count(ctx,
		`SELECT COUNT(DISTINCT referrer_id) FROM referrals WHERE device_fingerprint = ? AND referrer_id <> ?`,
		fingerprint, excludeReferrerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count device referrers: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) CountIPReferrers(ctx context.Context, ip string, excludeReferrerID string) (int, error) {
	n, err := s.count(ctx,
		`SELECT COUNT(DISTINCT referrer_id) FROM referrals WHERE ip_address = ? AND referrer_id <> ?`,
		ip, excludeReferrerID)
	if err != nil {
		return 0, fmt.Errorf("failed to count ip referrers: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) CountReferralsSince(ctx context.Context, referrerID string, since time.Time) (int, error) {
	n, err := s.count(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = ? AND created_at >= ?`,
		referrerID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent referrals: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) FindReferralID(ctx context.Context, referrerID string, refereeID string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		s.db.Rebind(`SELECT id FROM referrals WHERE referrer_id = ? AND referee_id = ? LIMIT 1`),
		referrerID, refereeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find referral: %w", err)
	}
	return id, nil
}

func (s *SQLSignalStore) CountFlaggedAsReferee(ctx context.Context, refereeID string) (int, error) {
	n, err := s.count(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referee_id = ? AND bonus_status = 'fraud_flagged'`,
		refereeID)
	if err != nil {
		return 0, fmt.Errorf("failed to count flagged referee: %w", err)
	}
	return n, nil
}

// ListReviewCandidates returns live referrals whose device or IP is shared
// by more distinct referrers than the review thresholds, newest first.
func (s *SQLSignalStore) ListReviewCandidates(ctx context.Context, deviceThreshold int, ipThreshold int, limit int, offset int) ([]ReferralRow, error) {
	query := `
		SELECT r.id, r.referrer_id, r.referee_id, r.device_fingerprint, r.ip_address, r.created_at
		FROM referrals r
		WHERE r.bonus_status NOT IN ('fraud_flagged', 'cancelled')
		  AND (
		    r.device_fingerprint IN (
		      SELECT device_fingerprint FROM referrals
		      WHERE device_fingerprint IS NOT NULL
		      GROUP BY device_fingerprint
		      HAVING COUNT(DISTINCT referrer_id) > ?
		    )
		    OR r.ip_address IN (
		      SELECT ip_address FROM referrals
		      WHERE ip_address IS NOT NULL
		      GROUP BY ip_address
		      HAVING COUNT(DISTINCT referrer_id) > ?
		    )
		    OR EXISTS (
		      SELECT 1 FROM referrals c
		      WHERE c.referrer_id = r.referee_id AND c.referee_id = r.referrer_id
		    )
		  )
		ORDER BY r.created_at DESC
		LIMIT ? OFFSET ?`

	var rows []ReferralRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), deviceThreshold, ipThreshold, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list review candidates: %w", err)
	}
	return rows, nil
}

func (s *SQLSignalStore) CountReferrals(ctx context.Context) (int64, int64, error) {
	var out struct {
		Total   int64 `db:"total"`
		Flagged int64 `db:"flagged"`
	}
	err := s.db.GetContext(ctx, &out, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(CASE WHEN bonus_status = 'fraud_flagged' THEN 1 ELSE 0 END), 0) AS flagged
		FROM referrals`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return out.Total, out.Flagged, nil
}

func (s *SQLSignalStore) CountCircularPairs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(DISTINCT r1.id)
		FROM referrals r1
		INNER JOIN referrals r2
		  ON r1.referrer_id = r2.referee_id AND r1.referee_id = r2.referrer_id
		WHERE r1.id < r2.id`)
	if err != nil {
		return 0, fmt.Errorf("failed to count circular pairs: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) CountDeviceClusters(ctx context.Context, threshold int) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM (
		  SELECT device_fingerprint FROM referrals
		  WHERE device_fingerprint IS NOT NULL
		  GROUP BY device_fingerprint
		  HAVING COUNT(DISTINCT referrer_id) > ?
		) clusters`), threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to count device clusters: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) CountIPClusters(ctx context.Context, threshold int) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM (
		  SELECT ip_address FROM referrals
		  WHERE ip_address IS NOT NULL
		  GROUP BY ip_address
		  HAVING COUNT(DISTINCT referrer_id) > ?
		) clusters`), threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to count ip clusters: %w", err)
	}
	return n, nil
}

func (s *SQLSignalStore) ListReferralTimes(ctx context.Context) ([]ReferralTime, error) {
	var rows []ReferralTime
	err := s.db.SelectContext(ctx, &rows,
		`SELECT referrer_id, created_at FROM referrals ORDER BY referrer_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list referral times: %w", err)
	}
	return rows, nil
}
