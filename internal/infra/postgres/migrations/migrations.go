// Package migrations holds the bun migrations for the Postgres schema. Migrations register from
// their own files because bun derives the version from the registering file name.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
