package ledger

import (
	"embed"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/pg"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the goose migrations that create the ledger tables
// and the packages table the catalog reads.
func Migrations() pg.Migrations {
	return pg.Migrations{FS: migrationFS, Dir: "migrations"}
}
