package referral

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"growth_service/internal/apperr"
)

var (
	validDeviceTypes = map[string]bool{"": true, "mobile": true, "tablet": true, "desktop": true}
	validPlatforms   = map[string]bool{"": true, "ios": true, "android": true, "web": true}
)

// ShareReferral records that a user shared their code and returns a
// tracking URL unique to this share.
func (s *Service) ShareReferral(ctx context.Context, req ShareRequest) (*ShareResult, error) {
	if !req.ShareMethod.Valid() {
		return nil, apperr.Validation("invalid_share_method", fmt.Sprintf("referral: unknown share method %q", req.ShareMethod))
	}
	if !validDeviceTypes[req.DeviceType] || !validPlatforms[req.Platform] {
		return nil, apperr.Validation("invalid_device", "referral: unknown device type or platform")
	}

	rc, err := s.GetOrCreateReferralCode(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	share := &ShareEvent{
		ID:           id,
		UserID:       req.UserID,
		ReferralCode: rc.Code,
		ShareMethod:  req.ShareMethod,
		Destination:  req.Destination,
		DeviceType:   req.DeviceType,
		Platform:     req.Platform,
		TrackingURL:  trackingURL(s.cfg.TrackingBaseURL, rc.Code, id, req.ShareMethod),
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateShare(ctx, share); err != nil {
		return nil, apperr.FromStore("referral: share", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": req.UserID,
		"method":  req.ShareMethod,
	}).Info("referral shared")
	return &ShareResult{ShareID: id, TrackingURL: share.TrackingURL, ReferralCode: rc.Code}, nil
}

func trackingURL(base, code, shareID string, method ShareMethod) string {
	q := url.Values{}
	q.Set("s", shareID)
	q.Set("utm_source", string(method))
	q.Set("utm_medium", "referral")
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(code) + "?" + q.Encode()
}

// TrackClick counts a click on a tracking URL. Unknown URLs report false.
func (s *Service) TrackClick(ctx context.Context, trackingURL string, ip string) (bool, error) {
	if strings.TrimSpace(trackingURL) == "" {
		return false, apperr.Validation("tracking_url_required", "referral: tracking url is required")
	}
	ok, err := s.repo.IncrementClick(ctx, trackingURL, ip, s.now())
	if err != nil {
		return false, apperr.FromStore("referral: track click", err)
	}
	return ok, nil
}

func (s *Service) GetShareAnalytics(ctx context.Context, userID string) (*ShareAnalytics, error) {
	shares, err := s.repo.ListSharesByUser(ctx, userID)
	if err != nil {
		return nil, apperr.FromStore("referral: share analytics", err)
	}

	now := s.now()
	out := &ShareAnalytics{}
	perMethod := map[ShareMethod]int64{}
	for _, sh := range shares {
		out.TotalShares++
		out.TotalClicks += sh.ClickCount
		out.TotalConversions += sh.ConversionCount
		perMethod[sh.ShareMethod]++
		age := now.Sub(sh.CreatedAt)
		if age <= 7*24*time.Hour {
			out.SharesLast7Days++
		}
		if age <= 30*24*time.Hour {
			out.SharesLast30Days++
		}
	}
	if out.TotalClicks > 0 {
		out.ConversionRate = float64(out.TotalConversions) / float64(out.TotalClicks) * 100
	}

	var best int64
	for method, n := range perMethod {
		if n > best || (n == best && string(method) < out.TopShareMethod) {
			best = n
			out.TopShareMethod = string(method)
		}
	}
	return out, nil
}

// GetTopSharingChannels ranks share methods by conversions across all users.
func (s *Service) GetTopSharingChannels(ctx context.Context) ([]ChannelStats, error) {
	rows, err := s.repo.ChannelTotals(ctx)
	if err != nil {
		return nil, apperr.FromStore("referral: top channels", err)
	}
	for i := range rows {
		if rows[i].TotalClicks > 0 {
			rows[i].ConversionRate = float64(rows[i].TotalConversions) / float64(rows[i].TotalClicks) * 100
		}
		if rows[i].TotalShares > 0 {
			rows[i].AvgClicksPerShare = float64(rows[i].TotalClicks) / float64(rows[i].TotalShares)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].TotalConversions != rows[j].TotalConversions {
			return rows[i].TotalConversions > rows[j].TotalConversions
		}
		return rows[i].TotalShares > rows[j].TotalShares
	})
	return rows, nil
}
