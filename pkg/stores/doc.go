// Package stores persists what manifest implementations need across runs.
// It provides a SQLite ledger of applied and deleted manifest checksums per
// environment, plus a record of each top level apply or delete run. Schema
// changes ship as embedded migrations.
package stores
