package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
// Used by Migrate (cmd/migrate and AUTO_MIGRATE at startup).
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
