package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// Migrator applies the generic backend's schema migrations. The legacy
// backend's schema belongs to the legacy platform and is never touched from
// here.
type Migrator struct {
	engine *migrate.Migrate
	log    *logrus.Entry
}

// SchemaStatus reports where the schema currently stands.
type SchemaStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	// Empty reports a database with no migration history at all.
	Empty bool `json:"empty"`
}

// NewMigrator binds the migrations directory to the backend pool.
func NewMigrator(db *DB, dir string, log *logrus.Entry) (*Migrator, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("bind %s backend for migration: %w", db.Name(), err)
	}
	engine, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("read migrations from %s: %w", dir, err)
	}
	return &Migrator{engine: engine, log: log}, nil
}

// Apply brings the schema to the newest migration, logging the version
// movement. Already-current is success, not an error.
func (g *Migrator) Apply() error {
	before, err := g.Status()
	if err != nil {
		return err
	}

	err = g.engine.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		g.log.WithField("version", before.Version).Info("schema already current")
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	after, err := g.Status()
	if err != nil {
		return err
	}
	g.log.WithFields(logrus.Fields{
		"from": before.Version,
		"to":   after.Version,
	}).Info("schema migrated")
	return nil
}

// Rollback undoes every migration. Destructive; only the CLI calls it, and
// only behind an explicit flag.
func (g *Migrator) Rollback() error {
	if err := g.engine.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	g.log.Warn("schema rolled back to empty")
	return nil
}

// Status reads the recorded schema version. A dirty schema is reported, not
// an error: the operator decides whether to force past it.
func (g *Migrator) Status() (SchemaStatus, error) {
	version, dirty, err := g.engine.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return SchemaStatus{Empty: true}, nil
	}
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("read schema version: %w", err)
	}
	return SchemaStatus{Version: version, Dirty: dirty}, nil
}
