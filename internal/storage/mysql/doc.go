// Package mysql provides the shared MySQL connection pool and schema
// migration runner used by the request store. Query logic lives next to
// the domain types; this package only manages the database lifecycle.
package mysql
