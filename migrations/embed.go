// Package migrations embeds SQL migration files into the binary.
//
// This lets the bridge run schema migrations without SQL files present on
// the target filesystem.
package migrations

import (
	"embed"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
