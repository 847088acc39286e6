package main

import (
	"flag"
	"fmt"
	"os"

	"datagate/internal/config"
	"datagate/internal/database"

	"github.com/sirupsen/logrus"
)

// Exit codes: 0 success, 1 transient failure, 2 configuration error.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dir := flag.String("dir", "migrations", "migrations directory")
	rollback := flag.Bool("rollback", false, "undo every migration instead of applying")
	status := flag.Bool("status", false, "print the schema version and exit")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := log.WithField("cmd", "migrate")

	config.LoadDotEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Error("config load failed")
		os.Exit(2)
	}
	if cfg.GenericDB.URL == "" {
		entry.Error("GENERIC_DB_URL is not set; nothing to migrate")
		os.Exit(2)
	}

	dbCfg, err := database.ParseURL(cfg.GenericDB.URL)
	if err != nil {
		entry.WithError(err).Error("bad database url")
		os.Exit(2)
	}
	db, err := database.Open("generic", dbCfg, entry)
	if err != nil {
		entry.WithError(err).Error("backend unreachable")
		os.Exit(1)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, *dir, entry)
	if err != nil {
		entry.WithError(err).Error("migrator setup failed")
		os.Exit(1)
	}

	switch {
	case *status:
		st, err := migrator.Status()
		if err != nil {
			entry.WithError(err).Error("status read failed")
			os.Exit(1)
		}
		if st.Empty {
			fmt.Println("schema: empty")
			return
		}
		fmt.Printf("schema: version=%d dirty=%v\n", st.Version, st.Dirty)
	case *rollback:
		if err := migrator.Rollback(); err != nil {
			entry.WithError(err).Error("rollback failed")
			os.Exit(1)
		}
	default:
		if err := migrator.Apply(); err != nil {
			entry.WithError(err).Error("migration failed")
			os.Exit(1)
		}
	}
}
