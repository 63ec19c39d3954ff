package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/vthunder/mend/internal/faults"
)

// orphanPredicate selects live, non-hub nodes with no edge in either direction
const orphanPredicate = `
	n.archived_at IS NULL
	AND n.type != 'Hub'
	AND NOT EXISTS (SELECT 1 FROM edges e WHERE e.from_id = n.id)
	AND NOT EXISTS (SELECT 1 FROM edges e WHERE e.to_id = n.id)`

// FindOrphans returns up to limit orphan nodes, oldest first
func (g *DB) FindOrphans(ctx context.Context, limit int) ([]*Node, error) {
	return g.queryOrphans(ctx, "", nil, limit)
}

// FindOrphansOlderThan returns up to limit orphans created before cutoff, oldest first
func (g *DB) FindOrphansOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Node, error) {
	return g.queryOrphans(ctx, "AND n.created_at < ?", []any{toMillis(cutoff)}, limit)
}

// FindOrphansByType returns orphans of the given type other than excludeID
func (g *DB) FindOrphansByType(ctx context.Context, nodeType, excludeID string, limit int) ([]*Node, error) {
	return g.queryOrphans(ctx, "AND n.type = ? AND n.id != ?", []any{nodeType, excludeID}, limit)
}

// FindOrphansCreatedBetween returns orphans other than excludeID created in [from, to]
func (g *DB) FindOrphansCreatedBetween(ctx context.Context, from, to time.Time, excludeID string, limit int) ([]*Node, error) {
	return g.queryOrphans(ctx, "AND n.created_at BETWEEN ? AND ? AND n.id != ?",
		[]any{toMillis(from), toMillis(to), excludeID}, limit)
}

func (g *DB) queryOrphans(ctx context.Context, extra string, args []any, limit int) ([]*Node, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT ` + nodeColumns + ` FROM nodes n WHERE ` + orphanPredicate + ` ` + extra +
		` ORDER BY n.created_at, n.id LIMIT ?`
	rows, err := g.db.QueryContext(ctx, q, append(args, limit)...)
	if err != nil {
		return nil, classify("find orphans", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, classify("find orphans", err)
	}
	return nodes, nil
}

// CountOrphans returns the number of orphan nodes
func (g *DB) CountOrphans(ctx context.Context) (int, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes n WHERE `+orphanPredicate).Scan(&count)
	if err != nil {
		return 0, classify("count orphans", err)
	}
	return count, nil
}

// IsOrphan reports whether a live node currently has no edges. A missing or
// archived node returns faults.ErrNotFound.
func (g *DB) IsOrphan(ctx context.Context, id string) (bool, error) {
	var live, edges int
	err := g.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE id = ? AND archived_at IS NULL),
			(SELECT COUNT(*) FROM edges WHERE from_id = ? OR to_id = ?)
	`, id, id, id).Scan(&live, &edges)
	if err != nil {
		return false, classify("is orphan "+id, err)
	}
	if live == 0 {
		return false, fmt.Errorf("is orphan %s: %w", id, faults.ErrNotFound)
	}
	return edges == 0, nil
}

// RecentNodes returns up to limit live non-hub nodes other than excludeID,
// newest first. Used as the candidate pool for semantic matching.
func (g *DB) RecentNodes(ctx context.Context, excludeID string, limit int) ([]*Node, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes n
		WHERE n.archived_at IS NULL AND n.type != 'Hub' AND n.id != ?
		ORDER BY n.created_at DESC, n.id
		LIMIT ?
	`, excludeID, limit)
	if err != nil {
		return nil, classify("recent nodes", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, classify("recent nodes", err)
	}
	return nodes, nil
}

// MostConnectedOfType returns the live node of nodeType with the highest
// degree, excluding excludeID. Nodes with no edges are not considered.
func (g *DB) MostConnectedOfType(ctx context.Context, nodeType, excludeID string) (*Node, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes n
		JOIN (
			SELECT node_id, COUNT(*) AS degree FROM (
				SELECT from_id AS node_id FROM edges
				UNION ALL
				SELECT to_id AS node_id FROM edges
			) GROUP BY node_id
		) d ON d.node_id = n.id
		WHERE n.type = ? AND n.id != ? AND n.archived_at IS NULL
		ORDER BY d.degree DESC, n.created_at, n.id
		LIMIT 1
	`, nodeType, excludeID)
	n, err := scanNode(row)
	if err != nil {
		return nil, classify("most connected "+nodeType, err)
	}
	return n, nil
}
