package fraud

import (
	"context"
	"fmt"
	"sort"
)

// GetSuspiciousReferrals re-derives reasons for live referrals sharing a
// device or IP with other referrers, or forming a circular pair. Results
// are ranked by score, highest first.
func (e *Engine) GetSuspiciousReferrals(ctx context.Context, limit int, offset int) ([]SuspiciousReferral, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := e.store.ListReviewCandidates(ctx, e.cfg.ReviewDeviceThreshold, e.cfg.ReviewIPThreshold, limit, offset)
	if err != nil {
		return nil, unavailable(err)
	}

	out := make([]SuspiciousReferral, 0, len(rows))
	for _, row := range rows {
		item := SuspiciousReferral{
			ReferralID:        row.ID,
			ReferrerID:        row.ReferrerID,
			RefereeID:         row.RefereeID,
			DeviceFingerprint: row.DeviceFingerprint.String,
			IPAddress:         row.IPAddress.String,
			CreatedAt:         row.CreatedAt,
			SuspicionReasons:  []string{},
		}
		score := 0

		if row.DeviceFingerprint.Valid && row.DeviceFingerprint.String != "" {
			check, err := e.checkDevice(ctx, row.DeviceFingerprint.String, "", e.cfg.ReviewDeviceThreshold)
			if err != nil {
				return nil, err
			}
			if check.IsExceeded {
				item.SuspicionReasons = append(item.SuspicionReasons,
					fmt.Sprintf("Device fingerprint matched %d times", check.MatchCount))
				score += e.cfg.DeviceWeight
			}
		}

		if row.IPAddress.Valid && row.IPAddress.String != "" {
			check, err := e.checkIP(ctx, row.IPAddress.String, "", e.cfg.ReviewIPThreshold)
			if err != nil {
				return nil, err
			}
			if check.IsExceeded {
				item.SuspicionReasons = append(item.SuspicionReasons,
					fmt.Sprintf("IP address matched %d times", check.MatchCount))
				score += e.cfg.IPWeight
			}
		}

		circular, err := e.CheckCircularReferral(ctx, row.ReferrerID, row.RefereeID)
		if err != nil {
			return nil, err
		}
		if circular {
			item.SuspicionReasons = append(item.SuspicionReasons, "Circular referral detected")
			score += e.cfg.CircularWeight
		}

		if len(item.SuspicionReasons) == 0 {
			continue
		}
		if score > 100 {
			score = 100
		}
		item.RiskScore = score
		out = append(out, item)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, nil
}

// GetFraudStats summarizes fraud exposure across all referrals.
func (e *Engine) GetFraudStats(ctx context.Context) (*Stats, error) {
	total, flagged, err := e.store.CountReferrals(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	circular, err := e.store.CountCircularPairs(ctx)
	if err != nil {
		return nil, unavailable(err)
	}
	devices, err := e.store.CountDeviceClusters(ctx, e.cfg.DeviceThreshold)
	if err != nil {
		return nil, unavailable(err)
	}
	ips, err := e.store.CountIPClusters(ctx, e.cfg.IPThreshold)
	if err != nil {
		return nil, unavailable(err)
	}
	times, err := e.store.ListReferralTimes(ctx)
	if err != nil {
		return nil, unavailable(err)
	}

	stats := &Stats{
		TotalReferrals:     total,
		FraudFlagged:       flagged,
		CircularReferrals:  circular,
		DeviceDuplicates:   devices,
		IPDuplicates:       ips,
		VelocityViolations: e.countVelocityViolators(times),
	}
	if total > 0 {
		stats.FraudRate = float64(flagged) / float64(total) * 100
	}
	return stats, nil
}

// countVelocityViolators counts referrers with two consecutive referrals
// closer than VelocityGap. times must be ordered by referrer then time.
func (e *Engine) countVelocityViolators(times []ReferralTime) int64 {
	var n int64
	for i := 1; i < len(times); i++ {
		prev, cur := times[i-1], times[i]
		if prev.ReferrerID != cur.ReferrerID {
			continue
		}
		if cur.CreatedAt.Sub(prev.CreatedAt) < e.cfg.VelocityGap {
			n++
			// skip the rest of this referrer
			for i+1 < len(times) && times[i+1].ReferrerID == cur.ReferrerID {
				i++
			}
		}
	}
	return n
}
