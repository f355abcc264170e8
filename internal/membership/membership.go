// Package membership implements the optional project-membership
// authorization check gated by repo_conf (spec §9's open question).
// Grounded on original_source/taiga_events/repository.py's membership
// query; disabled unless repo_conf.enabled is set.
package membership

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"

	_ "github.com/lib/pq"
)

// routingKeyProjectID extracts the numeric project id from routing
// keys of the form "project.<id>.<topic>". Routing keys that don't
// match this shape (e.g. a non-project topic) are never subject to
// the membership check; Checker.Allowed returns true for them.
var routingKeyProjectID = regexp.MustCompile(`^project\.(\d+)\.`)

// Checker queries the projects_membership table to decide whether a
// user may subscribe to a project-scoped routing key.
type Checker struct {
	db *sql.DB
}

// Open connects to dsn (a standard libpq connection string) and
// returns a ready Checker. The connection is verified lazily, on the
// first Allowed call, matching database/sql's normal lazy-connect
// behavior.
func Open(dsn string) (*Checker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("membership: open: %w", err)
	}
	return &Checker{db: db}, nil
}

// Close releases the underlying connection pool.
func (c *Checker) Close() error {
	return c.db.Close()
}

// Allowed reports whether userID is a member of the project named by
// routingKey. Routing keys with no embedded project id are always
// allowed — the membership check only applies to project-scoped
// subscriptions.
func (c *Checker) Allowed(ctx context.Context, userID int64, routingKey string) (bool, error) {
	m := routingKeyProjectID.FindStringSubmatch(routingKey)
	if m == nil {
		return true, nil
	}
	projectID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return true, nil
	}

	const query = `SELECT 1 FROM projects_membership WHERE project_id = $1 AND user_id = $2 LIMIT 1`
	row := c.db.QueryRowContext(ctx, query, projectID, userID)

	var exists int
	switch err := row.Scan(&exists); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("membership: query: %w", err)
	}
}
