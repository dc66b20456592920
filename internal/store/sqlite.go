package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "quorum-v1-2026-08-sessions-r2"
)

// SQLite is the durable Store backing. Single writer connection; WAL.
type SQLite struct {
	db *sql.DB
}

// DefaultDBPath returns the default database location under the user's
// home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "quorum.db"
	}
	return filepath.Join(home, ".quorum", "quorum.db")
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Source() string { return "database" }
func (s *SQLite) Close() error   { return s.db.Close() }

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			task_type TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			settings TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS analyses (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			analysis TEXT NOT NULL,
			confidence REAL NOT NULL,
			key_points TEXT NOT NULL DEFAULT '[]',
			risks TEXT NOT NULL DEFAULT '[]',
			assumptions TEXT NOT NULL DEFAULT '[]',
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (session_id, agent_id, iteration)
		);`,
		`CREATE TABLE IF NOT EXISTS critiques (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			iteration INTEGER NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			score REAL NOT NULL,
			critique TEXT NOT NULL,
			weaknesses TEXT NOT NULL DEFAULT '[]',
			strengths TEXT NOT NULL DEFAULT '[]',
			suggestions TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			CHECK (from_agent <> to_agent),
			UNIQUE (session_id, iteration, from_agent, to_agent)
		);`,
		`CREATE TABLE IF NOT EXISTS syntheses (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			iteration INTEGER NOT NULL,
			summary TEXT NOT NULL,
			conclusions TEXT NOT NULL DEFAULT '[]',
			recommendations TEXT NOT NULL DEFAULT '[]',
			formalized_result TEXT NOT NULL DEFAULT '',
			consensus_level REAL NOT NULL,
			dissenting TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			UNIQUE (session_id, iteration)
		);`,
		`CREATE TABLE IF NOT EXISTS results (
			session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
			synthesis TEXT,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			iterations_used INTEGER NOT NULL DEFAULT 0,
			agents_used TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS run_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			model TEXT NOT NULL,
			phase TEXT NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_metrics_session ON run_metrics(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_metrics_created ON run_metrics(created_at);`,
		`CREATE TABLE IF NOT EXISTS prompt_templates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			prompt_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (agent_id, prompt_type, version)
		);`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			control TEXT NOT NULL,
			treatment TEXT NOT NULL,
			treatment_pct REAL NOT NULL,
			primary_metric TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS experiment_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			variant TEXT NOT NULL,
			task_id TEXT NOT NULL,
			metric_values TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		schemaVersion, schemaChecksum, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

// mapErr translates driver errors to the store's sentinel errors.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "CHECK constraint failed") {
		return fmt.Errorf("%s: %w", what, ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "null" || raw == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func (s *SQLite) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, task, task_type, context, status, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TaskText, string(sess.TaskType), sess.ContextText, string(sess.Status),
		marshalJSON(sess.Settings), fmtTime(sess.CreatedAt), fmtTime(sess.UpdatedAt))
	return mapErr(err, "create session "+sess.ID)
}

func (s *SQLite) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task, task_type, context, status, settings, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var sess Session
	var taskType, status, settings, created, updated string
	err := row.Scan(&sess.ID, &sess.TaskText, &taskType, &sess.ContextText, &status, &settings, &created, &updated)
	if err != nil {
		return nil, mapErr(err, "session "+id)
	}
	sess.TaskType = TaskType(taskType)
	sess.Status = SessionStatus(status)
	if err := json.Unmarshal([]byte(settings), &sess.Settings); err != nil {
		return nil, fmt.Errorf("decode settings for session %s: %w", id, err)
	}
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return mapErr(err, "update session "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n == 0 {
		// Distinguish missing from terminal.
		if _, err := s.LoadSession(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("session %s is terminal: %w", id, ErrConflict)
	}
	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, "delete session "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	// run_metrics carries no FK; prune explicitly.
	_, err = s.db.ExecContext(ctx, `DELETE FROM run_metrics WHERE session_id = ?`, id)
	return mapErr(err, "delete metrics for "+id)
}

func (s *SQLite) AppendAnalysis(ctx context.Context, a *AgentAnalysis) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (session_id, agent_id, iteration, analysis, confidence,
			key_points, risks, assumptions, tokens_in, tokens_out, cost_usd, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.AgentID, a.Iteration, a.AnalysisText, a.Confidence,
		marshalJSON(a.KeyPoints), marshalJSON(a.Risks), marshalJSON(a.Assumptions),
		a.TokensIn, a.TokensOut, a.CostUSD, a.DurationMS, fmtTime(a.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("session %s: %w", a.SessionID, ErrNotFound)
	}
	return mapErr(err, fmt.Sprintf("append analysis %s/%s/%d", a.SessionID, a.AgentID, a.Iteration))
}

func (s *SQLite) AppendCritique(ctx context.Context, c *Critique) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO critiques (session_id, iteration, from_agent, to_agent, score,
			critique, weaknesses, strengths, suggestions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Iteration, c.FromAgent, c.ToAgent, c.Score,
		c.CritiqueText, marshalJSON(c.Weaknesses), marshalJSON(c.Strengths),
		marshalJSON(c.Suggestions), fmtTime(c.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	return mapErr(err, fmt.Sprintf("append critique %s/%d/%s→%s", c.SessionID, c.Iteration, c.FromAgent, c.ToAgent))
}

func (s *SQLite) AppendSynthesis(ctx context.Context, syn *Synthesis) error {
	if syn.CreatedAt.IsZero() {
		syn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses (session_id, iteration, summary, conclusions,
			recommendations, formalized_result, consensus_level, dissenting, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		syn.SessionID, syn.Iteration, syn.Summary, marshalJSON(syn.Conclusions),
		marshalJSON(syn.Recommendations), syn.FormalizedResult, syn.ConsensusLevel,
		marshalJSON(syn.DissentingOpinions), fmtTime(syn.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("session %s: %w", syn.SessionID, ErrNotFound)
	}
	return mapErr(err, fmt.Sprintf("append synthesis %s/%d", syn.SessionID, syn.Iteration))
}

func (s *SQLite) Analyses(ctx context.Context, sessionID string, iteration int) ([]AgentAnalysis, error) {
	q := `SELECT session_id, agent_id, iteration, analysis, confidence,
			key_points, risks, assumptions, tokens_in, tokens_out, cost_usd, duration_ms, created_at
		 FROM analyses WHERE session_id = ?`
	args := []any{sessionID}
	if iteration >= 0 {
		q += ` AND iteration = ?`
		args = append(args, iteration)
	}
	q += ` ORDER BY iteration, agent_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list analyses "+sessionID)
	}
	defer rows.Close()

	var out []AgentAnalysis
	for rows.Next() {
		var a AgentAnalysis
		var kp, rk, as, created string
		if err := rows.Scan(&a.SessionID, &a.AgentID, &a.Iteration, &a.AnalysisText, &a.Confidence,
			&kp, &rk, &as, &a.TokensIn, &a.TokensOut, &a.CostUSD, &a.DurationMS, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.KeyPoints = unmarshalStrings(kp)
		a.Risks = unmarshalStrings(rk)
		a.Assumptions = unmarshalStrings(as)
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Critiques(ctx context.Context, sessionID string, iteration int) ([]Critique, error) {
	q := `SELECT session_id, iteration, from_agent, to_agent, score, critique, weaknesses, strengths, suggestions, created_at
		 FROM critiques WHERE session_id = ?`
	args := []any{sessionID}
	if iteration >= 0 {
		q += ` AND iteration = ?`
		args = append(args, iteration)
	}
	q += ` ORDER BY from_agent, to_agent`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list critiques "+sessionID)
	}
	defer rows.Close()

	var out []Critique
	for rows.Next() {
		var c Critique
		var wk, st, sg, created string
		if err := rows.Scan(&c.SessionID, &c.Iteration, &c.FromAgent, &c.ToAgent, &c.Score,
			&c.CritiqueText, &wk, &st, &sg, &created); err != nil {
			return nil, fmt.Errorf("scan critique: %w", err)
		}
		c.Weaknesses = unmarshalStrings(wk)
		c.Strengths = unmarshalStrings(st)
		c.Suggestions = unmarshalStrings(sg)
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) Syntheses(ctx context.Context, sessionID string) ([]Synthesis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, iteration, summary, conclusions, recommendations,
			formalized_result, consensus_level, dissenting, created_at
		 FROM syntheses WHERE session_id = ? ORDER BY iteration`, sessionID)
	if err != nil {
		return nil, mapErr(err, "list syntheses "+sessionID)
	}
	defer rows.Close()

	var out []Synthesis
	for rows.Next() {
		syn, err := scanSynthesis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *syn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSynthesis(row rowScanner) (*Synthesis, error) {
	var syn Synthesis
	var concl, recs, diss, created string
	if err := row.Scan(&syn.SessionID, &syn.Iteration, &syn.Summary, &concl, &recs,
		&syn.FormalizedResult, &syn.ConsensusLevel, &diss, &created); err != nil {
		return nil, fmt.Errorf("scan synthesis: %w", err)
	}
	if err := json.Unmarshal([]byte(concl), &syn.Conclusions); err != nil {
		return nil, fmt.Errorf("decode conclusions: %w", err)
	}
	syn.Recommendations = unmarshalStrings(recs)
	syn.DissentingOpinions = unmarshalStrings(diss)
	syn.CreatedAt = parseTime(created)
	return &syn, nil
}

func (s *SQLite) Finalize(ctx context.Context, r *FinalResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var synJSON any
	if r.Synthesis != nil {
		synJSON = marshalJSON(r.Synthesis)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (session_id, synthesis, total_tokens, total_cost_usd,
			iterations_used, agents_used, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, synJSON, r.TotalTokens, r.TotalCostUSD,
		r.IterationsUsed, marshalJSON(r.AgentsUsed), r.Error, fmtTime(r.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("session %s: %w", r.SessionID, ErrNotFound)
	}
	return mapErr(err, "finalize "+r.SessionID)
}

func (s *SQLite) LoadResult(ctx context.Context, sessionID string) (*FinalResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, synthesis, total_tokens, total_cost_usd, iterations_used, agents_used, error, created_at
		 FROM results WHERE session_id = ?`, sessionID)

	var r FinalResult
	var syn sql.NullString
	var agents, created string
	err := row.Scan(&r.SessionID, &syn, &r.TotalTokens, &r.TotalCostUSD, &r.IterationsUsed, &agents, &r.Error, &created)
	if err != nil {
		return nil, mapErr(err, "result "+sessionID)
	}
	if syn.Valid && syn.String != "" {
		var sv Synthesis
		if err := json.Unmarshal([]byte(syn.String), &sv); err != nil {
			return nil, fmt.Errorf("decode synthesis for result %s: %w", sessionID, err)
		}
		r.Synthesis = &sv
	}
	r.AgentsUsed = unmarshalStrings(agents)
	r.CreatedAt = parseTime(created)
	return &r, nil
}

func (s *SQLite) AppendMetric(ctx context.Context, m *RunMetric) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_metrics (session_id, agent_id, model, phase, tokens_in, tokens_out,
			cost_usd, latency_ms, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.AgentID, m.Model, m.Phase, m.TokensIn, m.TokensOut,
		m.CostUSD, m.LatencyMS, m.Status, m.ErrorMessage, fmtTime(m.CreatedAt))
	return mapErr(err, "append metric")
}

func (s *SQLite) Metrics(ctx context.Context, sessionID string) ([]RunMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, agent_id, model, phase, tokens_in, tokens_out, cost_usd,
			latency_ms, status, error_message, created_at
		 FROM run_metrics WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, mapErr(err, "list metrics "+sessionID)
	}
	defer rows.Close()

	var out []RunMetric
	for rows.Next() {
		var m RunMetric
		var created string
		if err := rows.Scan(&m.SessionID, &m.AgentID, &m.Model, &m.Phase, &m.TokensIn, &m.TokensOut,
			&m.CostUSD, &m.LatencyMS, &m.Status, &m.ErrorMessage, &created); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) SessionTotals(ctx context.Context, sessionID string) (int, float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_in + tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		 FROM run_metrics WHERE session_id = ?`, sessionID)
	var tokens int
	var cost float64
	if err := row.Scan(&tokens, &cost); err != nil {
		return 0, 0, fmt.Errorf("session totals %s: %w", sessionID, err)
	}
	return tokens, cost, nil
}

func (s *SQLite) AggregateMetrics(ctx context.Context, since time.Time) (*MetricsSummary, error) {
	sum := &MetricsSummary{
		Since:   since,
		ByAgent: make(map[string]float64),
		ByModel: make(map[string]float64),
	}
	cutoff := fmtTime(since)

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status <> 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_in + tokens_out), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(latency_ms), 0)
		 FROM run_metrics WHERE created_at >= ?`, cutoff)
	if err := row.Scan(&sum.Calls, &sum.Errors, &sum.TotalTokens, &sum.TotalCost, &sum.AvgLatency); err != nil {
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, model, SUM(cost_usd) FROM run_metrics
		 WHERE created_at >= ? GROUP BY agent_id, model`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("aggregate metrics by agent: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var agent, model string
		var cost float64
		if err := rows.Scan(&agent, &model, &cost); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		sum.ByAgent[agent] += cost
		sum.ByModel[model] += cost
	}
	return sum, rows.Err()
}

func (s *SQLite) PruneMetrics(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_metrics WHERE created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) ActivePrompt(ctx context.Context, agentID, promptType string) (*PromptTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, prompt_type, version, content, is_active, created_at
		 FROM prompt_templates
		 WHERE agent_id = ? AND prompt_type = ? AND is_active = 1
		 ORDER BY version DESC LIMIT 1`, agentID, promptType)
	return scanPrompt(row, agentID+"/"+promptType)
}

func scanPrompt(row rowScanner, what string) (*PromptTemplate, error) {
	var p PromptTemplate
	var active int
	var created string
	if err := row.Scan(&p.ID, &p.AgentID, &p.PromptType, &p.Version, &p.Content, &active, &created); err != nil {
		return nil, mapErr(err, "prompt "+what)
	}
	p.IsActive = active != 0
	p.CreatedAt = parseTime(created)
	return &p, nil
}

func (s *SQLite) SavePrompt(ctx context.Context, p *PromptTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save prompt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM prompt_templates WHERE agent_id = ? AND prompt_type = ?`,
		p.AgentID, p.PromptType)
	if err := row.Scan(&maxVersion); err != nil {
		return fmt.Errorf("save prompt: %w", err)
	}

	if p.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_templates SET is_active = 0 WHERE agent_id = ? AND prompt_type = ?`,
			p.AgentID, p.PromptType); err != nil {
			return fmt.Errorf("deactivate prompts: %w", err)
		}
	}

	p.Version = maxVersion + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	active := 0
	if p.IsActive {
		active = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_templates (agent_id, prompt_type, version, content, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.AgentID, p.PromptType, p.Version, p.Content, active, fmtTime(p.CreatedAt))
	if err != nil {
		return mapErr(err, "save prompt "+p.AgentID+"/"+p.PromptType)
	}
	p.ID, _ = res.LastInsertId()
	return tx.Commit()
}

func (s *SQLite) ListPrompts(ctx context.Context, agentID string) ([]PromptTemplate, error) {
	q := `SELECT id, agent_id, prompt_type, version, content, is_active, created_at FROM prompt_templates`
	var args []any
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY agent_id, prompt_type, version`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list prompts")
	}
	defer rows.Close()

	var out []PromptTemplate
	for rows.Next() {
		p, err := scanPrompt(rows, agentID)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveExperiment(ctx context.Context, e *Experiment) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, description, status, control, treatment, treatment_pct, primary_metric, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, status = excluded.status,
			control = excluded.control, treatment = excluded.treatment,
			treatment_pct = excluded.treatment_pct, primary_metric = excluded.primary_metric`,
		e.ID, e.Name, e.Description, e.Status, marshalJSON(e.Control), marshalJSON(e.Treatment),
		e.TreatmentPercentage, e.PrimaryMetric, fmtTime(e.CreatedAt))
	return mapErr(err, "save experiment "+e.ID)
}

func (s *SQLite) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, status, control, treatment, treatment_pct, primary_metric, created_at
		 FROM experiments WHERE id = ?`, id)
	return scanExperiment(row, id)
}

func scanExperiment(row rowScanner, what string) (*Experiment, error) {
	var e Experiment
	var control, treatment, created string
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.Status, &control, &treatment,
		&e.TreatmentPercentage, &e.PrimaryMetric, &created); err != nil {
		return nil, mapErr(err, "experiment "+what)
	}
	if err := json.Unmarshal([]byte(control), &e.Control); err != nil {
		return nil, fmt.Errorf("decode control variant: %w", err)
	}
	if err := json.Unmarshal([]byte(treatment), &e.Treatment); err != nil {
		return nil, fmt.Errorf("decode treatment variant: %w", err)
	}
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s *SQLite) ListExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, status, control, treatment, treatment_pct, primary_metric, created_at
		 FROM experiments ORDER BY created_at`)
	if err != nil {
		return nil, mapErr(err, "list experiments")
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteExperiment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, "delete experiment "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLite) AppendExperimentRun(ctx context.Context, r *ExperimentRun) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_runs (experiment_id, variant, task_id, metric_values, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		r.ExperimentID, r.Variant, r.TaskID, marshalJSON(r.MetricValues), fmtTime(r.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("experiment %s: %w", r.ExperimentID, ErrNotFound)
		}
		return mapErr(err, "append experiment run")
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLite) ExperimentRuns(ctx context.Context, experimentID string) ([]ExperimentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, variant, task_id, metric_values, created_at
		 FROM experiment_runs WHERE experiment_id = ? ORDER BY id`, experimentID)
	if err != nil {
		return nil, mapErr(err, "list experiment runs "+experimentID)
	}
	defer rows.Close()

	var out []ExperimentRun
	for rows.Next() {
		var r ExperimentRun
		var values, created string
		if err := rows.Scan(&r.ID, &r.ExperimentID, &r.Variant, &r.TaskID, &values, &created); err != nil {
			return nil, fmt.Errorf("scan experiment run: %w", err)
		}
		if err := json.Unmarshal([]byte(values), &r.MetricValues); err != nil {
			return nil, fmt.Errorf("decode metric values: %w", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ Store = (*SQLite)(nil)
var _ Store = (*Memory)(nil)
