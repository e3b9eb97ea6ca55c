// Package migrations embeds the SQL schema files into the binary so the
// server can migrate its database without the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/foundry-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files, ".")
}
