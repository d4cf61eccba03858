package entitlement

import "embed"

// Migrations holds the goose migrations of PostgresStore under "migrations".
//
//go:embed migrations/*.sql
var Migrations embed.FS
