package referral

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"growth_service/internal/apperr"
)

func TestShareReferralBuildsTrackingURL(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	res, err := f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareWhatsApp, DeviceType: "mobile", Platform: "ios"})
	require.NoError(t, err)
	require.Equal(t, f.codeFor(t, "alice"), res.ReferralCode)

	u, err := url.Parse(res.TrackingURL)
	require.NoError(t, err)
	require.Equal(t, "/r/"+res.ReferralCode, u.Path)
	require.Equal(t, res.ShareID, u.Query().Get("s"))
	require.Equal(t, "whatsapp", u.Query().Get("utm_source"))
	require.Equal(t, "referral", u.Query().Get("utm_medium"))

	_, err = f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: "carrier_pigeon"})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareSMS, DeviceType: "fridge"})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestTrackClickAndConversion(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	res, err := f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareEmail})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ok, err := f.svc.TrackClick(ctx, res.TrackingURL, "203.0.113.7")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := f.svc.TrackClick(ctx, "https://example.com/unknown", "203.0.113.7")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.TrackClick(ctx, " ", "")
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	f.refer(t, "alice", "bob")

	analytics, err := f.svc.GetShareAnalytics(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), analytics.TotalShares)
	require.Equal(t, int64(4), analytics.TotalClicks)
	require.Equal(t, int64(1), analytics.TotalConversions)
	require.InDelta(t, 25.0, analytics.ConversionRate, 0.001)
	require.Equal(t, "email", analytics.TopShareMethod)
}

func TestShareAnalyticsWindows(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	_, err := f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareSMS})
	require.NoError(t, err)
	f.clock.Advance(20 * 24 * time.Hour)
	for i := 0; i < 2; i++ {
		_, err = f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareCopyLink})
		require.NoError(t, err)
	}
	f.clock.Advance(15 * 24 * time.Hour)
	_, err = f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareSMS})
	require.NoError(t, err)

	analytics, err := f.svc.GetShareAnalytics(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(4), analytics.TotalShares)
	require.Equal(t, int64(1), analytics.SharesLast7Days)
	require.Equal(t, int64(3), analytics.SharesLast30Days)
	// tie between copy_link and sms resolves alphabetically
	require.Equal(t, "copy_link", analytics.TopShareMethod)
	require.Zero(t, analytics.ConversionRate)
}

func TestTopSharingChannels(t *testing.T) {
	f := setUp(t)
	ctx := context.Background()

	_, err := f.svc.ShareReferral(ctx, ShareRequest{UserID: "alice", ShareMethod: ShareSMS})
	require.NoError(t, err)
	tg, err := f.svc.ShareReferral(ctx, ShareRequest{UserID: "carol", ShareMethod: ShareTelegram})
	require.NoError(t, err)
	_, err = f.svc.TrackClick(ctx, tg.TrackingURL, "")
	require.NoError(t, err)
	_, err = f.svc.TrackClick(ctx, tg.TrackingURL, "")
	require.NoError(t, err)
	f.refer(t, "carol", "dave")

	channels, err := f.svc.GetTopSharingChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	require.Equal(t, ShareTelegram, channels[0].ShareMethod)
	require.Equal(t, int64(1), channels[0].TotalConversions)
	require.InDelta(t, 50.0, channels[0].ConversionRate, 0.001)
	require.InDelta(t, 2.0, channels[0].AvgClicksPerShare, 0.001)
	require.Equal(t, ShareSMS, channels[1].ShareMethod)
}
