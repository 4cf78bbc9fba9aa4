/*
Package migration manages the relational schema for the credit ledger,
built on golang-migrate with embedded SQL for PostgreSQL, MySQL and
SQLite.

# Core types

  - Migrator        — Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info
  - DefaultMigrator — default implementation wrapping golang-migrate
  - Config          — database type, connection URL, table name, lock timeout
  - CLI             — formatted terminal output around a Migrator

# Factories

NewMigratorFromConfig, NewMigratorFromDatabaseConfig and
NewMigratorFromURL build a migrator from the application config or a
raw connection URL. ParseDatabaseType and BuildDatabaseURL handle the
per-dialect plumbing.
*/
package migration
