package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vthunder/mend/internal/faults"
)

const nodeColumns = `n.id, n.type, n.content, n.properties, n.created_at, n.archived_at, n.archive_reason`

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n        Node
		props    string
		created  int64
		archived sql.NullInt64
		reason   sql.NullString
	)
	if err := row.Scan(&n.ID, &n.Type, &n.Content, &props, &created, &archived, &reason); err != nil {
		return nil, err
	}
	n.Properties = decodeProperties(props)
	n.CreatedAt = fromMillis(created)
	if archived.Valid {
		n.ArchivedAt = fromMillis(archived.Int64)
	}
	n.ArchiveReason = reason.String
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	defer rows.Close()
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// CreateNode inserts a node. An empty ID gets a fresh UUID and a zero
// CreatedAt is set to the store clock. Returns the node id.
func (g *DB) CreateNode(ctx context.Context, n *Node) (string, error) {
	if err := g.insertNode(ctx, g.db, n); err != nil {
		return "", err
	}
	return n.ID, nil
}

func (g *DB) insertNode(ctx context.Context, ex execer, n *Node) error {
	if n.Type == "" {
		return fmt.Errorf("create node: %w: empty type", faults.ErrMalformed)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = g.now()
	}
	props, err := encodeProperties(n.Properties)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO nodes (id, type, content, properties, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.Type, n.Content, props, toMillis(n.CreatedAt))
	if err != nil {
		return classify("create node "+n.ID, err)
	}
	return nil
}

// EnsureNode creates the node if no node with its id exists. Used for the
// well-known hubs. Returns true if the node was created.
func (g *DB) EnsureNode(ctx context.Context, n *Node) (bool, error) {
	return g.ensureNode(ctx, g.db, n)
}

func (g *DB) ensureNode(ctx context.Context, ex execer, n *Node) (bool, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = g.now()
	}
	props, err := encodeProperties(n.Properties)
	if err != nil {
		return false, err
	}
	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO nodes (id, type, content, properties, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.ID, n.Type, n.Content, props, toMillis(n.CreatedAt))
	if err != nil {
		return false, classify("ensure node "+n.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Revive an archived hub rather than leaving edges pointing at it
		if _, err := ex.ExecContext(ctx, `
			UPDATE nodes SET archived_at = NULL, archive_reason = NULL WHERE id = ? AND archived_at IS NOT NULL
		`, n.ID); err != nil {
			return false, classify("ensure node "+n.ID, err)
		}
	}
	return affected > 0, nil
}

// GetNode retrieves a node by id, archived or not
func (g *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	row := g.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.id = ?`, id)
	n, err := scanNode(row)
	if err != nil {
		return nil, classify("get node "+id, err)
	}
	return n, nil
}

// ListNodes returns live nodes matching the filter, newest first
func (g *DB) ListNodes(ctx context.Context, f NodeFilter) ([]*Node, error) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeArchived {
		where = append(where, "n.archived_at IS NULL")
	}
	if len(f.Types) > 0 {
		placeholders, typeArgs := inClause(f.Types)
		where = append(where, "n.type IN ("+placeholders+")")
		args = append(args, typeArgs...)
	}
	q := `SELECT ` + nodeColumns + ` FROM nodes n`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY n.created_at DESC, n.id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list nodes", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return nil, classify("list nodes", err)
	}
	return nodes, nil
}

// UpdateProperties merges set into the node's properties
func (g *DB) UpdateProperties(ctx context.Context, id string, set Properties) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("update properties", err)
	}
	defer tx.Rollback()
	if err := g.updateProperties(ctx, tx, id, set); err != nil {
		return err
	}
	return classify("update properties", tx.Commit())
}

func (g *DB) updateProperties(ctx context.Context, ex execer, id string, set Properties) error {
	var raw string
	if err := ex.QueryRowContext(ctx, `SELECT properties FROM nodes WHERE id = ?`, id).Scan(&raw); err != nil {
		return classify("update properties "+id, err)
	}
	merged := decodeProperties(raw).Merge(set)
	encoded, err := encodeProperties(merged)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, `UPDATE nodes SET properties = ? WHERE id = ?`, encoded, id); err != nil {
		return classify("update properties "+id, err)
	}
	return nil
}

// ArchiveNode soft-deletes a node. Its edges are kept.
func (g *DB) ArchiveNode(ctx context.Context, id, reason string) error {
	return g.archiveNode(ctx, g.db, id, reason)
}

func (g *DB) archiveNode(ctx context.Context, ex execer, id, reason string) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE nodes SET archived_at = ?, archive_reason = ? WHERE id = ? AND archived_at IS NULL
	`, toMillis(g.now()), reason, id)
	if err != nil {
		return classify("archive node "+id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("archive node %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

// DeleteNode hard-deletes a node and, by cascade, its edges
func (g *DB) DeleteNode(ctx context.Context, id string) error {
	return g.deleteNode(ctx, g.db, id)
}

func (g *DB) deleteNode(ctx context.Context, ex execer, id string) error {
	res, err := ex.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return classify("delete node "+id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete node %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

// MemberIDs returns the live nodes linked to a crystal with MEMBER_OF
func (g *DB) MemberIDs(ctx context.Context, crystalID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT e.from_id FROM edges e
		JOIN nodes n ON n.id = e.from_id
		WHERE e.to_id = ? AND e.relation_type = ? AND n.archived_at IS NULL
		ORDER BY e.from_id
	`, crystalID, string(EdgeMemberOf))
	if err != nil {
		return nil, classify("member ids", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("member ids", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("member ids", rows.Err())
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}
