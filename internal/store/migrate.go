package store

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies every pending migration against db, using dialect (e.g.
// "postgres") — grounded on jordigilh's own pressly/goose wiring pattern
// of embedding migrations and driving them through goose.Up rather than a
// hand-rolled schema_version table.
func Migrate(db *sql.DB, dialect string) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
