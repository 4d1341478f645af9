// Package db provides embedded database schema files.
package db

import _ "embed"

// Schema contains the PostgreSQL DDL for all application tables.
//
//go:embed migrations/001_schema.sql
var Schema string

// SQLiteSchema contains the same tables for the embedded SQLite backend.
//
//go:embed sqlite/001_schema.sql
var SQLiteSchema string
