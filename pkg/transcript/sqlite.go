package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/papercomputeco/flowchat/pkg/conversation"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	hash        TEXT PRIMARY KEY,
	parent_hash TEXT,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_nodes_parent_hash ON nodes(parent_hash);
`

const nodeColumns = `hash, parent_hash, role, content`

// SQLiteStorer stores transcript nodes in a SQLite database.
type SQLiteStorer struct {
	db *sql.DB
}

// NewSQLiteStorer opens (or creates) the database at path. Use ":memory:" for
// a throwaway in-memory database.
func NewSQLiteStorer(path string) (*SQLiteStorer, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStorer{db: db}, nil
}

func (s *SQLiteStorer) Put(ctx context.Context, node *Node) (bool, error) {
	if node == nil {
		return false, errors.New("cannot store nil node")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO nodes (hash, parent_hash, role, content) VALUES (?, ?, ?, ?)`,
		node.Hash, node.ParentHash, string(node.Turn.Role), node.Turn.Content,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert node: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorer) Get(ctx context.Context, hash string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hash = ?`, hash)

	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound{Hash: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func (s *SQLiteStorer) Has(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM nodes WHERE hash = ?)`, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check node: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStorer) Children(ctx context.Context, parentHash *string) ([]*Node, error) {
	if parentHash == nil {
		return s.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_hash IS NULL ORDER BY hash`)
	}
	return s.query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_hash = ? ORDER BY hash`, *parentHash)
}

func (s *SQLiteStorer) List(ctx context.Context) ([]*Node, error) {
	return s.query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY hash`)
}

func (s *SQLiteStorer) Roots(ctx context.Context) ([]*Node, error) {
	return s.Children(ctx, nil)
}

func (s *SQLiteStorer) Leaves(ctx context.Context) ([]*Node, error) {
	return s.query(ctx, `
		SELECT `+nodeColumns+` FROM nodes n
		WHERE NOT EXISTS (SELECT 1 FROM nodes c WHERE c.parent_hash = n.hash)
		ORDER BY hash`)
}

func (s *SQLiteStorer) Ancestry(ctx context.Context, hash string) ([]*Node, error) {
	nodes, err := s.query(ctx, `
		WITH RECURSIVE chain(hash, parent_hash, role, content, depth) AS (
			SELECT hash, parent_hash, role, content, 0 FROM nodes WHERE hash = ?
			UNION ALL
			SELECT n.hash, n.parent_hash, n.role, n.content, chain.depth + 1
			FROM nodes n JOIN chain ON n.hash = chain.parent_hash
		)
		SELECT `+nodeColumns+` FROM chain ORDER BY depth`, hash)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrNotFound{Hash: hash}
	}
	return nodes, nil
}

func (s *SQLiteStorer) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorer) query(ctx context.Context, query string, args ...any) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	var (
		node   Node
		parent sql.NullString
		role   string
	)
	if err := row.Scan(&node.Hash, &parent, &role, &node.Turn.Content); err != nil {
		return nil, err
	}
	node.Turn.Role = conversation.Role(role)
	if parent.Valid {
		p := parent.String
		node.ParentHash = &p
	}
	return &node, nil
}
