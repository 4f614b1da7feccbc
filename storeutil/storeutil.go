package storeutil

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" /*nolint*/
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib" /*nolint*/
)

// MigrateAndConnectToDB applies the migrations found under dir in fsys and
// opens a connection pool to postgresURI.
func MigrateAndConnectToDB(postgresURI string, fsys fs.FS, dir string) (*sql.DB, error) {
	// To avoid dealing with time zone issues, we just enforce UTC timezone
	if !strings.Contains(postgresURI, "timezone=UTC") {
		return nil, errors.New("timezone=UTC is required in postgres URI")
	}
	d, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURI)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("running migrations: %v", err)
	}
	if serr, derr := m.Close(); serr != nil || derr != nil {
		return nil, fmt.Errorf("closing migrator: %v, %v", serr, derr)
	}
	conn, err := sql.Open("pgx", postgresURI)
	if err != nil {
		return nil, fmt.Errorf("opening db: %v", err)
	}
	return conn, nil
}
