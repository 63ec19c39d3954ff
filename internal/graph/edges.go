package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vthunder/mend/internal/faults"
)

// CreateEdge adds an edge between two live nodes in its own transaction.
// Returns created=false with no error when the (from, to, type) edge already
// exists. A missing or archived endpoint returns faults.ErrNotFound.
func (g *DB) CreateEdge(ctx context.Context, spec EdgeSpec) (bool, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify("create edge", err)
	}
	defer tx.Rollback()

	created, err := g.insertEdge(ctx, tx, spec)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, classify("create edge", err)
	}
	return created, nil
}

func (g *DB) insertEdge(ctx context.Context, ex execer, spec EdgeSpec) (bool, error) {
	if spec.FromID == "" || spec.ToID == "" || spec.Type == "" {
		return false, fmt.Errorf("create edge: %w: from, to and type are required", faults.ErrMalformed)
	}
	if spec.FromID == spec.ToID {
		return false, fmt.Errorf("create edge %s: %w: self-loop", spec.FromID, faults.ErrMalformed)
	}

	var live int
	err := ex.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM nodes WHERE id IN (?, ?) AND archived_at IS NULL
	`, spec.FromID, spec.ToID).Scan(&live)
	if err != nil {
		return false, classify("create edge", err)
	}
	if live < 2 {
		return false, fmt.Errorf("create edge %s -> %s: %w", spec.FromID, spec.ToID, faults.ErrNotFound)
	}

	weight := spec.Weight
	if weight == 0 {
		weight = 1.0
	}
	prov := spec.Provenance
	if prov.CreatedAt.IsZero() {
		prov.CreatedAt = g.now()
	}
	props, err := encodeProperties(prov.properties())
	if err != nil {
		return false, err
	}

	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (from_id, to_id, relation_type, weight, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, spec.FromID, spec.ToID, string(spec.Type), weight, props, toMillis(g.now()))
	if err != nil {
		return false, classify("create edge", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("create edge", err)
	}
	return affected > 0, nil
}

// HasEdge reports whether the (from, to, type) edge exists
func (g *DB) HasEdge(ctx context.Context, from, to string, edgeType EdgeType) (bool, error) {
	var count int
	err := g.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM edges WHERE from_id = ? AND to_id = ? AND relation_type = ?
	`, from, to, string(edgeType)).Scan(&count)
	if err != nil {
		return false, classify("has edge", err)
	}
	return count > 0, nil
}

// EdgesOf returns every edge touching the node, oldest first
func (g *DB) EdgesOf(ctx context.Context, nodeID string) ([]Edge, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, from_id, to_id, relation_type, weight, properties, created_at
		FROM edges WHERE from_id = ? OR to_id = ?
		ORDER BY created_at, id
	`, nodeID, nodeID)
	if err != nil {
		return nil, classify("edges of "+nodeID, err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var (
			e       Edge
			typ     string
			props   string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.FromID, &e.ToID, &typ, &e.Weight, &props, &created); err != nil {
			return nil, classify("edges of "+nodeID, err)
		}
		e.Type = EdgeType(typ)
		e.Properties = decodeProperties(props)
		e.CreatedAt = fromMillis(created)
		edges = append(edges, e)
	}
	return edges, classify("edges of "+nodeID, rows.Err())
}

// CountRecentEdges returns the number of edges created within the trailing window
func (g *DB) CountRecentEdges(ctx context.Context, window time.Duration) (int, error) {
	var count int
	cutoff := g.now().Add(-window)
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges WHERE created_at >= ?`, toMillis(cutoff)).Scan(&count)
	if err != nil {
		return 0, classify("count recent edges", err)
	}
	return count, nil
}

// Apply performs every write of m in one transaction. Either all of it is
// committed or none of it is. Edges that already exist are counted in
// EdgesExisting rather than failing the mutation.
func (g *DB) Apply(ctx context.Context, m Mutation) (*MutationResult, error) {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, classify("apply", err)
	}
	defer tx.Rollback()

	result := &MutationResult{}
	for _, n := range m.Nodes {
		if n.ID != "" && n.Type == TypeHub {
			if _, err := g.ensureNode(ctx, tx, n); err != nil {
				return nil, err
			}
		} else if err := g.insertNode(ctx, tx, n); err != nil {
			return nil, err
		}
		result.NodeIDs = append(result.NodeIDs, n.ID)
	}
	for _, u := range m.Updates {
		if err := g.updateProperties(ctx, tx, u.ID, u.Set); err != nil {
			return nil, err
		}
	}
	for _, spec := range m.Edges {
		created, err := g.insertEdge(ctx, tx, spec)
		if err != nil {
			return nil, err
		}
		if created {
			result.EdgesCreated++
		} else {
			result.EdgesExisting++
		}
	}
	for _, a := range m.Archive {
		if err := g.archiveNode(ctx, tx, a.ID, a.Reason); err != nil {
			return nil, err
		}
		result.Archived++
	}
	for _, id := range m.Delete {
		if err := g.deleteNode(ctx, tx, id); err != nil {
			return nil, err
		}
		result.Deleted++
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("apply", err)
	}
	return result, nil
}
