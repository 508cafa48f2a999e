package db

import "embed"

// SchemaVersion is the newest goose migration shipped in migrations/.
// Version 1: activity history, workflow state, cache and durable execution tables
const SchemaVersion = 1

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"
