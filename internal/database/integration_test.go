//go:build integration

package database

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"
	"growth_service/internal/apperr"
	"growth_service/internal/config"
	"growth_service/internal/fraud"
	"growth_service/internal/promo"
	"growth_service/internal/referral"
	"growth_service/internal/testutil"
	"growth_service/internal/wallet"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("growth"),
		tcpostgres.WithUsername("growth"),
		tcpostgres.WithPassword("growth"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresEndToEnd(t *testing.T) {
	dsn := startPostgres(t)
	require.NoError(t, MigrateUp(dsn))
	require.NoError(t, MigrateUp(dsn))
	v, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), v)

	log := testutil.Logger()
	cfg := config.Defaults()
	cfg.Database.DSN = dsn
	cfg.Database.AutoMigrate = true
	db, err := Connect(cfg.Database, log)
	require.NoError(t, err)
	signals, err := ConnectSignalDB(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = signals.Close() })

	ctx := context.Background()
	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log)
	engine := fraud.NewEngine(fraud.NewSQLSignalStore(signals), cfg.Fraud, log)
	referrals := referral.NewService(db, referral.NewReferralRepository(db), engine, wallets, cfg.Referral, log)

	t.Run("circular referral is rejected by the signal store", func(t *testing.T) {
		codeA, err := referrals.GetOrCreateReferralCode(ctx, "alice")
		require.NoError(t, err)
		codeB, err := referrals.GetOrCreateReferralCode(ctx, "bob")
		require.NoError(t, err)

		_, err = referrals.CreateReferral(ctx, referral.CreateReferralRequest{ReferralCode: codeA.Code, RefereeID: "bob"})
		require.NoError(t, err)
		_, err = referrals.CreateReferral(ctx, referral.CreateReferralRequest{ReferralCode: codeB.Code, RefereeID: "alice"})
		require.Equal(t, "circular_referral", apperr.CodeOf(err))
	})

	t.Run("concurrent redemptions stop at the cap", func(t *testing.T) {
		promos := promo.NewService(db, promo.NewCampaignRepository(db), wallets, cfg.Promo, log)
		total := int64(10)
		unlimited := int64(0)
		c, err := promos.CreateCampaign(ctx, promo.CreateCampaignRequest{
			CampaignName:          "Launch",
			CampaignCode:          "LAUNCH10",
			CampaignType:          promo.TypeFixedPoints,
			BonusPoints:           100,
			MaxRedemptionsTotal:   &total,
			MaxRedemptionsPerUser: &unlimited,
			StartDate:             time.Now().Add(-time.Hour),
			EndDate:               time.Now().Add(time.Hour),
			CreatedBy:             "it",
		})
		require.NoError(t, err)
		_, err = promos.UpdateCampaignStatus(ctx, c.ID, promo.CampaignActive)
		require.NoError(t, err)

		var ok atomic.Int64
		var g errgroup.Group
		for i := 0; i < 50; i++ {
			user := fmt.Sprintf("rush-%02d", i)
			g.Go(func() error {
				_, err := promos.RedeemPromoCode(ctx, user, "LAUNCH10", nil)
				if err == nil {
					ok.Add(1)
					return nil
				}
				if apperr.CodeOf(err) == promo.ReasonCampaignLimit {
					return nil
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		require.Equal(t, int64(10), ok.Load())

		var rows int64
		require.NoError(t, db.Model(&promo.Redemption{}).Where("campaign_id = ?", c.ID).Count(&rows).Error)
		require.Equal(t, int64(10), rows)
	})

	require.NoError(t, MigrateDown(dsn, 1))
	v, _, err = MigrationVersion(dsn)
	require.NoError(t, err)
	require.Zero(t, v)
}
