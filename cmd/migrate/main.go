package main

import (
	"flag"
	"fmt"
	"os"

	"growth_service/internal/config"
	"growth_service/internal/database"
)

func main() {
	steps := flag.Int("steps", 1, "migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-steps n] up|down|version")
	}
	flag.Parse()

	log := config.InitLogger()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	dsn := cfg.Database.DSN

	switch flag.Arg(0) {
	case "up":
		if err := database.MigrateUp(dsn); err != nil {
			log.WithError(err).Fatal("migrate up failed")
		}
		log.Info("schema is up to date")
	case "down":
		if err := database.MigrateDown(dsn, *steps); err != nil {
			log.WithError(err).Fatal("migrate down failed")
		}
		log.WithField("steps", *steps).Info("migrations rolled back")
	case "version":
		v, dirty, err := database.MigrationVersion(dsn)
		if err != nil {
			log.WithError(err).Fatal("failed to read schema version")
		}
		log.WithField("version", v).WithField("dirty", dirty).Info("schema version")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
