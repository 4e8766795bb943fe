package main

import (
	"context"
	"os/signal"
	"syscall"

	"growth_service/internal/compensation"
	"growth_service/internal/config"
	"growth_service/internal/database"
	"growth_service/internal/fraud"
	"growth_service/internal/jobs"
	"growth_service/internal/promo"
	"growth_service/internal/referral"
	"growth_service/internal/remittance"
	"growth_service/internal/wallet"
)

func main() {
	log := config.InitLogger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	signals, err := database.ConnectSignalDB(cfg.Database.SignalDSN)
	if err != nil {
		log.WithError(err).Fatal("signal database unavailable")
	}
	defer signals.Close()
	rdb, err := database.ConnectRedis(ctx, cfg.Redis.URL)
	if err != nil {
		log.WithError(err).Fatal("redis unavailable")
	}
	defer rdb.Close()

	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log)
	engine := fraud.NewEngine(fraud.NewSQLSignalStore(signals), cfg.Fraud, log)
	referrals := referral.NewService(db, referral.NewReferralRepository(db), engine, wallets, cfg.Referral, log)
	comp := compensation.NewService(db, compensation.NewCompensationRepository(db), referrals, cfg.Payout, log)
	referrals.AddObserver(comp.Tracker())
	promos := promo.NewService(db, promo.NewCampaignRepository(db), wallets, cfg.Promo, log)

	sweeper := jobs.NewSweeper(referrals, promos, comp, jobs.NewRedisLocker(rdb, "growth:"), cfg.Schedule.LockTTL, log)
	if cfg.Storage.Bucket != "" {
		uploader, err := remittance.NewS3Uploader(ctx, cfg.Storage)
		if err != nil {
			log.WithError(err).Fatal("remittance storage unavailable")
		}
		sweeper.WithExporter(remittance.NewExporter(comp, uploader, cfg.Storage.Prefix, log))
	}

	sched, err := sweeper.Schedule(ctx, cfg.Schedule)
	if err != nil {
		log.WithError(err).Fatal("failed to schedule sweeps")
	}
	sched.Start()
	log.Info("sweeper started")

	<-ctx.Done()
	log.Info("stopping sweeper")
	if err := sched.Shutdown(); err != nil {
		log.WithError(err).Error("scheduler shutdown failed")
	}
}
