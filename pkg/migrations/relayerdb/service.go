// Package relayerdb registers the relay database schema migrations,
// applied in file order by cmd/relayer/migrate
package relayerdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations collects every relayer database migration
var Migrations = migrate.NewMigrations()
