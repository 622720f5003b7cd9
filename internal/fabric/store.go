package fabric

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store persists nodes, their attributes and fabric-wide settings.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// LoadNodes reads every stored node with its attributes.
func (s *Store) LoadNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT node_id, available, commissioned_at, last_interview, interview_version
FROM nodes ORDER BY node_id;`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	byID := make(map[uint64]*Node)
	var nodes []*Node
	for rows.Next() {
		var (
			n              Node
			available      int
			commissionedAt sql.NullString
			lastInterview  sql.NullString
		)
		if err := rows.Scan(&n.ID, &available, &commissionedAt, &lastInterview, &n.InterviewVersion); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Available = available != 0
		n.CommissionedAt = parseTime(commissionedAt)
		n.LastInterview = parseTime(lastInterview)
		n.Endpoints = make(map[uint16]map[string]any)
		byID[n.ID] = &n
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	attrs, err := s.db.QueryContext(ctx, `SELECT node_id, endpoint, attribute, value FROM node_attributes;`)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer attrs.Close()
	for attrs.Next() {
		var (
			nodeID   uint64
			endpoint uint16
			name     string
			raw      string
		)
		if err := attrs.Scan(&nodeID, &endpoint, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		n, ok := byID[nodeID]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("stored attribute %s of node %d is invalid JSON: %w", AttributePath(endpoint, name), nodeID, err)
		}
		n.set(endpoint, name, v)
	}
	if err := attrs.Err(); err != nil {
		return nil, fmt.Errorf("iterate attributes: %w", err)
	}
	return nodes, nil
}

// SaveNode writes n and replaces all of its attributes.
func (s *Store) SaveNode(ctx context.Context, n *Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	available := 0
	if n.Available {
		available = 1
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO nodes(node_id, available, commissioned_at, last_interview, interview_version)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
  available = excluded.available,
  last_interview = excluded.last_interview,
  interview_version = excluded.interview_version;
`, n.ID, available, formatTime(n.CommissionedAt), formatTime(n.LastInterview), n.InterviewVersion)
	if err != nil {
		return fmt.Errorf("upsert node %d: %w", n.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_attributes WHERE node_id = ?;`, n.ID); err != nil {
		return fmt.Errorf("clear attributes of node %d: %w", n.ID, err)
	}
	now := formatTime(time.Now())
	for ep, attrs := range n.Endpoints {
		for name, v := range attrs {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode attribute %s: %w", AttributePath(ep, name), err)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO node_attributes(node_id, endpoint, attribute, value, updated_at) VALUES(?, ?, ?, ?, ?);`,
				n.ID, ep, name, string(raw), now); err != nil {
				return fmt.Errorf("insert attribute %s: %w", AttributePath(ep, name), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SaveAttribute upserts one attribute value.
func (s *Store) SaveAttribute(ctx context.Context, nodeID uint64, endpoint uint16, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode attribute %s: %w", AttributePath(endpoint, name), err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO node_attributes(node_id, endpoint, attribute, value, updated_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(node_id, endpoint, attribute) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, nodeID, endpoint, name, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert attribute %s of node %d: %w", AttributePath(endpoint, name), nodeID, err)
	}
	return nil
}

// DeleteNode removes a node; its attributes go with it.
func (s *Store) DeleteNode(ctx context.Context, nodeID uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = ?;`, nodeID); err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	return nil
}

// Setting decodes the stored value of key into dst. It reports false if the
// key is not set.
func (s *Store) Setting(ctx context.Context, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM fabric_settings WHERE key = ?;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read setting %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode setting %q: %w", key, err)
	}
	return true, nil
}

// SetSetting stores v under key.
func (s *Store) SetSetting(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO fabric_settings(key, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, key, string(raw), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}
