package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "modernc.org/sqlite"             // sqlite driver

	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/session"
	"github.com/skyvernhq/skyvern-go/internal/task"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

// SQL is the database-backed storage. Driver "sqlite" (modernc) and
// "pgx" (postgres) are supported; queries are written with ? and rebound
// per dialect.
type SQL struct {
	db    *sqlx.DB
	clock retry.Clock
}

// OpenSQL connects, migrates and returns the backend. driver is "sqlite"
// or "pgx".
func OpenSQL(ctx context.Context, driver, dsn string, clock retry.Clock) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.ErrStorage(fmt.Errorf("connect %s: %w", driver, err))
	}
	if driver == "sqlite" {
		// Single writer; avoids SQLITE_BUSY under concurrent engines.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
			_ = db.Close()
			return nil, errors.ErrStorage(fmt.Errorf("sqlite pragmas: %w", err))
		}
	}
	s := &SQL{db: db, clock: clock}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.ErrStorage(fmt.Errorf("migrate: %w", err))
		}
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

// insertDoc writes one document row.
func (s *SQL) insertDoc(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return errors.ErrStorage(err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.ErrStorage(fmt.Errorf("encode: %w", err))
	}
	return string(b), nil
}

func (s *SQL) CreateTask(ctx context.Context, t *task.Task) error {
	doc, err := encode(t)
	if err != nil {
		return err
	}
	return s.insertDoc(ctx,
		`INSERT INTO tasks (task_id, organization_id, status, workflow_run_id, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrganizationID, string(t.Status), t.WorkflowRunID, t.CreatedAt, doc)
}

func (s *SQL) GetTask(ctx context.Context, orgID, id string) (*task.Task, error) {
	var doc string
	q := `SELECT data FROM tasks WHERE task_id = ?`
	args := []any{id}
	if orgID != "" {
		q += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	if err := s.db.GetContext(ctx, &doc, s.db.Rebind(q), args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTaskNotFound(id)
		}
		return nil, errors.ErrStorage(err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, errors.ErrStorage(err)
	}
	return &t, nil
}

func (s *SQL) UpdateTask(ctx context.Context, t *task.Task) error {
	t.ModifiedAt = s.clock.Now()
	doc, err := encode(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE tasks SET status = ?, workflow_run_id = ?, data = ? WHERE task_id = ?`),
		string(t.Status), t.WorkflowRunID, doc, t.ID)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrTaskNotFound(t.ID)
	}
	return nil
}

func (s *SQL) TransitionTask(ctx context.Context, orgID, id string, to task.Status, failureReason string) (*task.Task, error) {
	var out *task.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var doc string
		q := `SELECT data FROM tasks WHERE task_id = ?`
		args := []any{id}
		if orgID != "" {
			q += ` AND organization_id = ?`
			args = append(args, orgID)
		}
		if err := tx.GetContext(ctx, &doc, tx.Rebind(q), args...); err != nil {
			if err == sql.ErrNoRows {
				return errors.ErrTaskNotFound(id)
			}
			return errors.ErrStorage(err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return errors.ErrStorage(err)
		}
		if err := t.Transition(to); err != nil {
			return err
		}
		if failureReason != "" {
			t.FailureReason = failureReason
		}
		now := s.clock.Now()
		t.ModifiedAt = now
		if to.IsTerminal() {
			t.CompletedAt = &now
		}
		newDoc, err := encode(&t)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE tasks SET status = ?, data = ? WHERE task_id = ?`),
			string(t.Status), newDoc, id); err != nil {
			return errors.ErrStorage(err)
		}
		out = &t
		return nil
	})
	return out, err
}

func (s *SQL) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, int, error) {
	where, args := []string{"1=1"}, []any{}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowRunID != "" {
		where = append(where, "workflow_run_id = ?")
		args = append(args, f.WorkflowRunID)
	}
	docs, total, err := s.listDocs(ctx, "tasks", strings.Join(where, " AND "), args, f.PageQuery)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*task.Task, 0, len(docs))
	for _, doc := range docs {
		var t task.Task
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, 0, errors.ErrStorage(err)
		}
		out = append(out, &t)
	}
	return out, total, nil
}

func (s *SQL) CreateStep(ctx context.Context, st *task.Step) error {
	doc, err := encode(st)
	if err != nil {
		return err
	}
	return s.insertDoc(ctx,
		`INSERT INTO steps (step_id, task_id, step_order, retry_index, data) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.TaskID, st.Order, st.RetryIndex, doc)
}

func (s *SQL) UpdateStep(ctx context.Context, st *task.Step) error {
	st.ModifiedAt = s.clock.Now()
	doc, err := encode(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE steps SET data = ? WHERE step_id = ?`), doc, st.ID)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrStorage(fmt.Errorf("step %s not found", st.ID))
	}
	return nil
}

func (s *SQL) ListSteps(ctx context.Context, taskID string) ([]*task.Step, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs,
		s.db.Rebind(`SELECT data FROM steps WHERE task_id = ? ORDER BY step_order, retry_index`), taskID)
	if err != nil {
		return nil, errors.ErrStorage(err)
	}
	out := make([]*task.Step, 0, len(docs))
	for _, doc := range docs {
		var st task.Step
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, errors.ErrStorage(err)
		}
		out = append(out, &st)
	}
	return out, nil
}

func (s *SQL) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	doc, err := encode(w)
	if err != nil {
		return err
	}
	return s.insertDoc(ctx,
		`INSERT INTO workflows (workflow_id, workflow_permanent_id, organization_id, version, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.PermanentID, w.OrganizationID, w.Version, w.CreatedAt, doc)
}

func (s *SQL) GetWorkflow(ctx context.Context, orgID, id string) (*workflow.Workflow, error) {
	var doc string
	q := `SELECT data FROM workflows WHERE (workflow_id = ? OR workflow_permanent_id = ?)`
	args := []any{id, id}
	if orgID != "" {
		q += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	q += ` ORDER BY version DESC LIMIT 1`
	if err := s.db.GetContext(ctx, &doc, s.db.Rebind(q), args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrWorkflowNotFound(id)
		}
		return nil, errors.ErrStorage(err)
	}
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return nil, errors.ErrStorage(err)
	}
	return &w, nil
}

func (s *SQL) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]*workflow.Workflow, int, error) {
	// Latest version per permanent id.
	where, args := "1=1", []any{}
	if f.OrganizationID != "" {
		where = "organization_id = ?"
		args = append(args, f.OrganizationID)
	}
	p := f.PageQuery.Normalize()
	order := "DESC"
	if p.Sort == SortAsc {
		order = "ASC"
	}
	q := fmt.Sprintf(`SELECT data FROM workflows w WHERE %s AND version = (
			SELECT MAX(version) FROM workflows w2 WHERE w2.workflow_permanent_id = w.workflow_permanent_id)
		ORDER BY created_at %s LIMIT %d OFFSET %d`, where, order, p.PageSize, p.Offset())
	var docs []string
	if err := s.db.SelectContext(ctx, &docs, s.db.Rebind(q), args...); err != nil {
		return nil, 0, errors.ErrStorage(err)
	}
	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(DISTINCT workflow_permanent_id) FROM workflows WHERE %s`, where)
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(countQ), args...); err != nil {
		return nil, 0, errors.ErrStorage(err)
	}
	out := make([]*workflow.Workflow, 0, len(docs))
	for _, doc := range docs {
		var w workflow.Workflow
		if err := json.Unmarshal([]byte(doc), &w); err != nil {
			return nil, 0, errors.ErrStorage(err)
		}
		out = append(out, &w)
	}
	return out, total, nil
}

func (s *SQL) DeleteWorkflow(ctx context.Context, orgID, permanentID string) error {
	q := `DELETE FROM workflows WHERE workflow_permanent_id = ?`
	args := []any{permanentID}
	if orgID != "" {
		q += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrWorkflowNotFound(permanentID)
	}
	return nil
}

func (s *SQL) CreateRun(ctx context.Context, r *workflow.Run) error {
	doc, err := encode(r)
	if err != nil {
		return err
	}
	return s.insertDoc(ctx,
		`INSERT INTO workflow_runs (workflow_run_id, workflow_permanent_id, organization_id, status, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowPermanentID, r.OrganizationID, string(r.Status), r.CreatedAt, doc)
}

func (s *SQL) GetRun(ctx context.Context, orgID, id string) (*workflow.Run, error) {
	var doc string
	q := `SELECT data FROM workflow_runs WHERE workflow_run_id = ?`
	args := []any{id}
	if orgID != "" {
		q += ` AND organization_id = ?`
		args = append(args, orgID)
	}
	if err := s.db.GetContext(ctx, &doc, s.db.Rebind(q), args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrWorkflowRunNotFound(id)
		}
		return nil, errors.ErrStorage(err)
	}
	var r workflow.Run
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, errors.ErrStorage(err)
	}
	return &r, nil
}

func (s *SQL) UpdateRun(ctx context.Context, r *workflow.Run) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var doc string
		if err := tx.GetContext(ctx, &doc,
			tx.Rebind(`SELECT data FROM workflow_runs WHERE workflow_run_id = ?`), r.ID); err != nil {
			if err == sql.ErrNoRows {
				return errors.ErrWorkflowRunNotFound(r.ID)
			}
			return errors.ErrStorage(err)
		}
		var old workflow.Run
		if err := json.Unmarshal([]byte(doc), &old); err != nil {
			return errors.ErrStorage(err)
		}
		// current_block_index never moves backwards
		if r.CurrentBlockIndex < old.CurrentBlockIndex {
			r.CurrentBlockIndex = old.CurrentBlockIndex
		}
		r.ModifiedAt = s.clock.Now()
		newDoc, err := encode(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE workflow_runs SET status = ?, data = ? WHERE workflow_run_id = ?`),
			string(r.Status), newDoc, r.ID); err != nil {
			return errors.ErrStorage(err)
		}
		return nil
	})
}

func (s *SQL) TransitionRun(ctx context.Context, orgID, id string, to workflow.RunStatus, failureReason string) (*workflow.Run, error) {
	var out *workflow.Run
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var doc string
		q := `SELECT data FROM workflow_runs WHERE workflow_run_id = ?`
		args := []any{id}
		if orgID != "" {
			q += ` AND organization_id = ?`
			args = append(args, orgID)
		}
		if err := tx.GetContext(ctx, &doc, tx.Rebind(q), args...); err != nil {
			if err == sql.ErrNoRows {
				return errors.ErrWorkflowRunNotFound(id)
			}
			return errors.ErrStorage(err)
		}
		var r workflow.Run
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return errors.ErrStorage(err)
		}
		if r.Status.IsTerminal() {
			return errors.ErrValidation("status", fmt.Sprintf("run is already %s", r.Status))
		}
		r.Status = to
		if failureReason != "" {
			r.FailureReason = failureReason
		}
		now := s.clock.Now()
		r.ModifiedAt = now
		if to.IsTerminal() {
			r.CompletedAt = &now
		}
		newDoc, err := encode(&r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE workflow_runs SET status = ?, data = ? WHERE workflow_run_id = ?`),
			string(r.Status), newDoc, id); err != nil {
			return errors.ErrStorage(err)
		}
		out = &r
		return nil
	})
	return out, err
}

func (s *SQL) ListRuns(ctx context.Context, f RunFilter) ([]*workflow.Run, int, error) {
	where, args := []string{"1=1"}, []any{}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowPermanentID != "" {
		where = append(where, "workflow_permanent_id = ?")
		args = append(args, f.WorkflowPermanentID)
	}
	docs, total, err := s.listDocs(ctx, "workflow_runs", strings.Join(where, " AND "), args, f.PageQuery)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*workflow.Run, 0, len(docs))
	for _, doc := range docs {
		var r workflow.Run
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, 0, errors.ErrStorage(err)
		}
		out = append(out, &r)
	}
	return out, total, nil
}

func (s *SQL) CreateRunBlock(ctx context.Context, b *workflow.RunBlock) error {
	doc, err := encode(b)
	if err != nil {
		return err
	}
	return s.insertDoc(ctx,
		`INSERT INTO workflow_run_blocks (workflow_run_block_id, workflow_run_id, created_at, data)
		 VALUES (?, ?, ?, ?)`,
		b.ID, b.WorkflowRunID, b.CreatedAt, doc)
}

func (s *SQL) UpdateRunBlock(ctx context.Context, b *workflow.RunBlock) error {
	b.ModifiedAt = s.clock.Now()
	doc, err := encode(b)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE workflow_run_blocks SET data = ? WHERE workflow_run_block_id = ?`), doc, b.ID)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrStorage(fmt.Errorf("run block %s not found", b.ID))
	}
	return nil
}

func (s *SQL) ListRunBlocks(ctx context.Context, runID string) ([]*workflow.RunBlock, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs,
		s.db.Rebind(`SELECT data FROM workflow_run_blocks WHERE workflow_run_id = ? ORDER BY created_at`), runID)
	if err != nil {
		return nil, errors.ErrStorage(err)
	}
	out := make([]*workflow.RunBlock, 0, len(docs))
	for _, doc := range docs {
		var b workflow.RunBlock
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, errors.ErrStorage(err)
		}
		out = append(out, &b)
	}
	return out, nil
}

func (s *SQL) AppendArtifact(ctx context.Context, a *artifact.Artifact) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var seq int
		if err := tx.GetContext(ctx, &seq,
			tx.Rebind(`SELECT COALESCE(MAX(sequence), 0) FROM artifacts WHERE task_id = ? AND step_id = ?`),
			a.TaskID, a.StepID); err != nil {
			return errors.ErrStorage(err)
		}
		a.Sequence = seq + 1
		doc, err := encode(a)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`INSERT INTO artifacts (artifact_id, organization_id, kind, task_id, step_id, workflow_run_id, sequence, created_at, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.OrganizationID, string(a.Kind), a.TaskID, a.StepID, a.WorkflowRunID, a.Sequence, a.CreatedAt, doc); err != nil {
			return errors.ErrStorage(err)
		}
		return nil
	})
}

func (s *SQL) ListArtifacts(ctx context.Context, f ArtifactFilter) ([]*artifact.Artifact, int, error) {
	where, args := []string{"1=1"}, []any{}
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, f.StepID)
	}
	if f.WorkflowRunID != "" {
		where = append(where, "workflow_run_id = ?")
		args = append(args, f.WorkflowRunID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	docs, total, err := s.listDocs(ctx, "artifacts", strings.Join(where, " AND "), args, f.PageQuery)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*artifact.Artifact, 0, len(docs))
	for _, doc := range docs {
		var a artifact.Artifact
		if err := json.Unmarshal([]byte(doc), &a); err != nil {
			return nil, 0, errors.ErrStorage(err)
		}
		out = append(out, &a)
	}
	return out, total, nil
}

func (s *SQL) SaveSession(ctx context.Context, rec *session.Record) error {
	doc, err := encode(rec)
	if err != nil {
		return err
	}
	// Upsert guarded by modified_at: a concurrent newer write wins.
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE browser_sessions SET data = ?, modified_at = ? WHERE browser_session_id = ? AND modified_at <= ?`),
		doc, rec.ModifiedAt, rec.ID, rec.ModifiedAt)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO browser_sessions (browser_session_id, organization_id, modified_at, data)
		 VALUES (?, ?, ?, ?)`),
		rec.ID, rec.OrganizationID, rec.ModifiedAt, doc); err != nil {
		return errors.ErrStorage(err)
	}
	return nil
}

func (s *SQL) GetSession(ctx context.Context, id string) (*session.Record, error) {
	var doc string
	if err := s.db.GetContext(ctx, &doc,
		s.db.Rebind(`SELECT data FROM browser_sessions WHERE browser_session_id = ?`), id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrSessionNotFound(id)
		}
		return nil, errors.ErrStorage(err)
	}
	var rec session.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, errors.ErrStorage(err)
	}
	return &rec, nil
}

func (s *SQL) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM browser_sessions WHERE browser_session_id = ?`), id)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.ErrSessionNotFound(id)
	}
	return nil
}

// listDocs runs the shared list query shape: filter, order by
// created_at, count, paginate.
func (s *SQL) listDocs(ctx context.Context, table, where string, args []any, p PageQuery) ([]string, int, error) {
	p = p.Normalize()
	order := "DESC"
	if p.Sort == SortAsc {
		order = "ASC"
	}
	q := fmt.Sprintf(`SELECT data FROM %s WHERE %s ORDER BY created_at %s LIMIT %d OFFSET %d`,
		table, where, order, p.PageSize, p.Offset())
	var docs []string
	if err := s.db.SelectContext(ctx, &docs, s.db.Rebind(q), args...); err != nil {
		return nil, 0, errors.ErrStorage(err)
	}
	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where)
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(countQ), args...); err != nil {
		return nil, 0, errors.ErrStorage(err)
	}
	return docs, total, nil
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.ErrStorage(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.ErrStorage(err)
	}
	return nil
}

var _ Backend = (*SQL)(nil)
