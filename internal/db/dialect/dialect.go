// Package dialect holds the small amount of driver awareness the repository
// needs to run the same query code on SQLite and PostgreSQL. Queries are
// written in `?` placeholder style and rebound per driver; cutoffs and JSON
// payloads are computed in Go and passed as parameters, so the remaining
// divergence is row locking: Postgres claims queue rows under FOR UPDATE SKIP
// LOCKED, SQLite relies on its single-writer connection instead.
package dialect

// Driver names as registered with database/sql.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// IsPostgres reports whether the driver speaks PostgreSQL. The repository
// switches to locking claim paths when it does.
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}
