package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"growth_service/internal/compensation"
	"growth_service/internal/config"
	"growth_service/internal/database"
	"growth_service/internal/fraud"
	"growth_service/internal/handlers"
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

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("database unavailable")
	}
	signals, err := database.ConnectSignalDB(cfg.Database.SignalDSN)
	if err != nil {
		log.WithError(err).Fatal("signal database unavailable")
	}
	defer signals.Close()

	wallets := wallet.NewService(db, wallet.NewWalletRepository(db), log)
	engine := fraud.NewEngine(fraud.NewSQLSignalStore(signals), cfg.Fraud, log)
	referrals := referral.NewService(db, referral.NewReferralRepository(db), engine, wallets, cfg.Referral, log)
	comp := compensation.NewService(db, compensation.NewCompensationRepository(db), referrals, cfg.Payout, log)
	referrals.AddObserver(comp.Tracker())
	promos := promo.NewService(db, promo.NewCampaignRepository(db), wallets, cfg.Promo, log)

	ctx := context.Background()
	if err := comp.EnsureDefaultTiers(ctx); err != nil {
		log.WithError(err).Fatal("failed to install compensation tiers")
	}

	h := handlers.New(referrals, engine, comp, promos, wallets, log)
	if cfg.Storage.Bucket != "" {
		uploader, err := remittance.NewS3Uploader(ctx, cfg.Storage)
		if err != nil {
			log.WithError(err).Fatal("remittance storage unavailable")
		}
		h.WithExporter(remittance.NewExporter(comp, uploader, cfg.Storage.Prefix, log))
	}

	r := gin.Default()
	r.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	h.Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	log.WithFields(logrus.Fields{"port": cfg.Server.Port}).Info("server exited")
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
