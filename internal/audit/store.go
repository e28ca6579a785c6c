// Package audit persists the terminal outcome of every action request so the
// gate's decisions survive process restarts and can be reviewed later.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/lib/pq"

	"github.com/opsforge/sentinel/internal/models"
)

// PostgresStore writes the append-only action audit log.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_audit (
		id SERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		args JSONB,
		risk TEXT NOT NULL,
		origin TEXT NOT NULL,
		status TEXT NOT NULL,
		resource_id TEXT,
		reason TEXT,
		result TEXT,
		requested_at TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_action_audit_request ON action_audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_action_audit_resource ON action_audit(resource_id);
	CREATE INDEX IF NOT EXISTS idx_action_audit_recorded ON action_audit(recorded_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one request outcome. Requests are inserted, never updated;
// a request that passes through multiple terminal writes (it cannot, but the
// log does not rely on that) would simply appear twice in order.
func (s *PostgresStore) Record(ctx context.Context, req models.ActionRequest) error {
	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_audit (
			request_id, tool, args, risk, origin, status,
			resource_id, reason, result, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, req.ID, req.Tool, argsJSON, string(req.Risk), string(req.Origin),
		string(req.Status), req.ResourceID, req.Reason, req.Result, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Recent returns the latest n audit entries, newest first.
func (s *PostgresStore) Recent(ctx context.Context, n int) ([]models.ActionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, tool, args, risk, origin, status,
		       resource_id, reason, result, requested_at
		FROM action_audit
		ORDER BY recorded_at DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActionRequest
	for rows.Next() {
		var req models.ActionRequest
		var argsJSON []byte
		var risk, origin, status string
		if err := rows.Scan(&req.ID, &req.Tool, &argsJSON, &risk, &origin,
			&status, &req.ResourceID, &req.Reason, &req.Result, &req.CreatedAt); err != nil {
			return nil, err
		}
		req.Risk = models.RiskLevel(risk)
		req.Origin = models.Origin(origin)
		req.Status = models.RequestStatus(status)
		if len(argsJSON) > 0 {
			if err := json.Unmarshal(argsJSON, &req.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args for %s: %w", req.ID, err)
			}
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping() error { return s.db.Ping() }

func (s *PostgresStore) Close() error { return s.db.Close() }

// MemoryStore keeps the audit trail in process memory, used when no database
// is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries []models.ActionRequest
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Record(_ context.Context, req models.ActionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, req)
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, n int) ([]models.ActionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]models.ActionRequest, 0, n)
	for i := len(m.entries) - 1; i >= len(m.entries)-n; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
