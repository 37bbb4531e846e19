package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/pkg/schema"
)

// LibSQLStore persists orchestrator state in a libSQL database (embedded
// SQLite fork). It implements engine.Archiver and engine.TransitionRecorder.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/conduit.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Run archive (engine.Archiver) ---

// SaveRun archives a terminal workflow snapshot with its step results.
func (s *LibSQLStore) SaveRun(ctx context.Context, snap *engine.WorkflowSnapshot) error {
	contextJSON, err := json.Marshal(snap.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, template_name, status, error, context_json, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, error=excluded.error,
		   context_json=excluded.context_json, completed_at=excluded.completed_at`,
		snap.ID, snap.TemplateName, string(snap.Status), nullStr(snap.Error),
		string(contextJSON), snap.CreatedAt, nullTime(snap.StartedAt), nullTime(snap.CompletedAt),
	); err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}

	for stepID, st := range snap.Steps {
		var resultJSON any
		if st.Result != nil {
			b, err := json.Marshal(st.Result)
			if err != nil {
				return fmt.Errorf("marshal step %s result: %w", stepID, err)
			}
			resultJSON = string(b)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (run_id, step_id, status, attempt_count, result_json, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, step_id) DO UPDATE SET status=excluded.status,
			   attempt_count=excluded.attempt_count, result_json=excluded.result_json,
			   error=excluded.error, completed_at=excluded.completed_at`,
			snap.ID, stepID, string(st.Status), st.AttemptCount,
			resultJSON, nullStr(st.Error), nullTime(st.StartedAt), nullTime(st.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert step result %s: %w", stepID, err)
		}
	}

	return tx.Commit()
}

// GetRun loads an archived run with its steps.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	rec := &RunRecord{}
	var (
		errStr, contextJSON    sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, template_name, status, error, context_json, created_at, started_at, completed_at, archived_at
		 FROM workflow_runs WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.TemplateName, &status, &errStr, &contextJSON,
		&rec.CreatedAt, &startedAt, &completedAt, &rec.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "archived run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schema.WorkflowStatus(status)
	rec.Error = errStr.String
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &rec.Context)
	}

	steps, err := s.runSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Steps = steps
	return rec, nil
}

func (s *LibSQLStore) runSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, status, attempt_count, result_json, error, started_at, completed_at
		 FROM step_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		var status string
		var resultJSON, errStr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&st.RunID, &st.StepID, &status, &st.AttemptCount,
			&resultJSON, &errStr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		st.Status = schema.StepStatus(status)
		st.Error = errStr.String
		st.StartedAt = timePtr(startedAt)
		st.CompletedAt = timePtr(completedAt)
		if resultJSON.Valid && resultJSON.String != "" {
			_ = json.Unmarshal([]byte(resultJSON.String), &st.Result)
		}
		steps = append(steps, st)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepID < steps[j].StepID })
	return steps, rows.Err()
}

// ListRuns returns archived runs matching the filter, newest first.
// Steps are not loaded; use GetRun for the full record.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.TemplateName != "" {
		where = append(where, "template_name = ?")
		args = append(args, filter.TemplateName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, template_name, status, error, created_at, started_at, completed_at, archived_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*RunRecord
	for rows.Next() {
		rec := &RunRecord{}
		var status string
		var errStr sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.TemplateName, &status, &errStr,
			&rec.CreatedAt, &startedAt, &completedAt, &rec.ArchivedAt); err != nil {
			return nil, err
		}
		rec.Status = schema.WorkflowStatus(status)
		rec.Error = errStr.String
		rec.StartedAt = timePtr(startedAt)
		rec.CompletedAt = timePtr(completedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PruneRuns deletes archived runs completed before the cutoff. Returns
// the number of runs removed.
func (s *LibSQLStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_runs WHERE completed_at IS NOT NULL AND completed_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Transition log (engine.TransitionRecorder) ---

// RecordTransition appends a lifecycle transition to the audit log.
func (s *LibSQLStore) RecordTransition(ctx context.Context, workflowID, stepID, from, to string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (workflow_id, step_id, from_state, to_state) VALUES (?, ?, ?, ?)`,
		workflowID, nullStr(stepID), from, to)
	return err
}

// ListTransitions returns the transition log for a workflow, oldest first.
func (s *LibSQLStore) ListTransitions(ctx context.Context, workflowID string) ([]*TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_id, from_state, to_state, created_at
		 FROM transitions WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var stepID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &stepID, &rec.From, &rec.To, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.StepID = stepID.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Templates ---

// SaveTemplate upserts a template document.
func (s *LibSQLStore) SaveTemplate(ctx context.Context, doc *schema.TemplateDocument) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (name, description, definition_json) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET description=excluded.description,
		   definition_json=excluded.definition_json, updated_at=CURRENT_TIMESTAMP`,
		doc.Name, nullStr(doc.Description), string(b))
	return err
}

// GetTemplate loads a template by name.
func (s *LibSQLStore) GetTemplate(ctx context.Context, name string) (*schema.TemplateDocument, error) {
	var definition string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition_json FROM templates WHERE name = ?`, name).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", name)
	}
	if err != nil {
		return nil, err
	}
	doc := &schema.TemplateDocument{}
	if err := json.Unmarshal([]byte(definition), doc); err != nil {
		return nil, fmt.Errorf("unmarshal template %s: %w", name, err)
	}
	return doc, nil
}

// ListTemplates loads every stored template, sorted by name.
func (s *LibSQLStore) ListTemplates(ctx context.Context) ([]*schema.TemplateDocument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition_json FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*schema.TemplateDocument
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		doc := &schema.TemplateDocument{}
		if err := json.Unmarshal([]byte(definition), doc); err != nil {
			return nil, fmt.Errorf("unmarshal template: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteTemplate removes a stored template.
func (s *LibSQLStore) DeleteTemplate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", name)
	}
	return nil
}

var (
	_ engine.Archiver           = (*LibSQLStore)(nil)
	_ engine.TransitionRecorder = (*LibSQLStore)(nil)
)
