package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLStore is a Store backed by database/sql. Use NewSQLiteStore or
// NewPostgresStore to construct one; both share the same queries.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

// DB returns the underlying handle, e.g. to share it with a task queue.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- definitions ----

const definitionColumns = `id, name, version, category, description, steps, is_template, is_active, created_at`

func (s *SQLStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	steps, err := encodeString(def.Steps)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO definitions (`+definitionColumns+`)
		VALUES (`+placeholders(9)+`)`,
		def.ID, def.Name, def.Version, def.Category, def.Description, steps,
		boolInt(def.IsTemplate), boolInt(def.IsActive), unixNanos(def.CreatedAt),
	)
	return err
}

func scanDefinition(sc rowScanner) (api.WorkflowDefinition, error) {
	var (
		def                api.WorkflowDefinition
		steps              string
		isTemplate, active int
		createdAt          int64
	)
	if err := sc.Scan(&def.ID, &def.Name, &def.Version, &def.Category, &def.Description, &steps, &isTemplate, &active, &createdAt); err != nil {
		return def, err
	}
	decoded, err := DecodeValue[[]api.StepDefinition]([]byte(steps))
	if err != nil {
		return def, err
	}
	def.Steps = decoded
	def.IsTemplate = isTemplate != 0
	def.IsActive = active != 0
	def.CreatedAt = fromNanos(createdAt)
	return def, nil
}

func (s *SQLStore) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+definitionColumns+` FROM definitions WHERE id = ?`), id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.WorkflowDefinition{}, ErrNotFound
	}
	return def, err
}

func (s *SQLStore) LatestDefinitionVersion(ctx context.Context, name string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT COALESCE(MAX(version), 0) FROM definitions WHERE name = ?`), name).Scan(&v)
	return v, err
}

func (s *SQLStore) ListDefinitions(ctx context.Context) ([]api.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM definitions ORDER BY name, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	n, err := s.exec(ctx, s.db, `UPDATE definitions SET is_active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- approval workflows ----

const approvalWorkflowColumns = `id, name, request_type, steps, auto_approval_rules, is_active, created_at`

func (s *SQLStore) SaveApprovalWorkflow(ctx context.Context, wf api.ApprovalWorkflow) error {
	steps, err := encodeString(wf.Steps)
	if err != nil {
		return err
	}
	rules, err := encodeString(wf.AutoApprovalRules)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if wf.IsActive {
			if _, err := s.exec(ctx, tx, `
				UPDATE approval_workflows SET is_active = 0
				WHERE request_type = ? AND is_active = 1`, wf.RequestType); err != nil {
				return err
			}
		}
		_, err := s.exec(ctx, tx, `
			INSERT INTO approval_workflows (`+approvalWorkflowColumns+`)
			VALUES (`+placeholders(7)+`)`,
			wf.ID, wf.Name, wf.RequestType, steps, rules, boolInt(wf.IsActive), unixNanos(wf.CreatedAt),
		)
		return err
	})
}

func scanApprovalWorkflow(sc rowScanner) (api.ApprovalWorkflow, error) {
	var (
		wf        api.ApprovalWorkflow
		steps     string
		rules     sql.NullString
		active    int
		createdAt int64
	)
	if err := sc.Scan(&wf.ID, &wf.Name, &wf.RequestType, &steps, &rules, &active, &createdAt); err != nil {
		return wf, err
	}
	decodedSteps, err := DecodeValue[[]api.ApprovalStep]([]byte(steps))
	if err != nil {
		return wf, err
	}
	decodedRules, err := DecodeValue[map[string]any]([]byte(rules.String))
	if err != nil {
		return wf, err
	}
	wf.Steps = decodedSteps
	wf.AutoApprovalRules = decodedRules
	wf.IsActive = active != 0
	wf.CreatedAt = fromNanos(createdAt)
	return wf, nil
}

func (s *SQLStore) GetApprovalWorkflow(ctx context.Context, id string) (api.ApprovalWorkflow, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+approvalWorkflowColumns+` FROM approval_workflows WHERE id = ?`), id)
	wf, err := scanApprovalWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ApprovalWorkflow{}, ErrNotFound
	}
	return wf, err
}

func (s *SQLStore) ActiveApprovalWorkflow(ctx context.Context, requestType string) (api.ApprovalWorkflow, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT `+approvalWorkflowColumns+`
		FROM approval_workflows
		WHERE request_type = ? AND is_active = 1
		ORDER BY created_at DESC
		LIMIT 1`), requestType)
	wf, err := scanApprovalWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.ApprovalWorkflow{}, ErrNotFound
	}
	return wf, err
}

// ---- instances ----

const instanceColumns = `id, definition_id, definition_name, status, current_step, variables, initiated_by, initiated_at, completed_at, error, wake_at, version`

func scanInstance(sc rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst        api.WorkflowInstance
		status      string
		vars        sql.NullString
		initiatedAt int64
		completedAt sql.NullInt64
		wakeAt      sql.NullInt64
	)
	if err := sc.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionName, &status, &inst.CurrentStep, &vars,
		&inst.InitiatedBy, &initiatedAt, &completedAt, &inst.Error, &wakeAt, &inst.Version); err != nil {
		return nil, err
	}
	decoded, err := DecodeValue[map[string]any]([]byte(vars.String))
	if err != nil {
		return nil, err
	}
	inst.Status = api.Status(status)
	inst.Variables = decoded
	inst.InitiatedAt = fromNanos(initiatedAt)
	inst.CompletedAt = fromNullNanos(completedAt)
	inst.WakeAt = fromNullNanos(wakeAt)
	return &inst, nil
}

func (s *SQLStore) getInstance(ctx context.Context, q querier, id string) (*api.WorkflowInstance, error) {
	row := q.QueryRowContext(ctx, s.d.rebind(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

// conflictOrMissing explains why a guarded update touched no rows.
func (s *SQLStore) conflictOrMissing(ctx context.Context, q querier, table, id string) error {
	var one int
	err := q.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *SQLStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance, started api.WorkflowEvent) error {
	vars, err := encodeString(inst.Variables)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO instances (`+instanceColumns+`)
			VALUES (`+placeholders(12)+`)`,
			inst.ID, inst.DefinitionID, inst.DefinitionName, string(inst.Status), inst.CurrentStep, vars,
			inst.InitiatedBy, unixNanos(inst.InitiatedAt), nullNanos(inst.CompletedAt), inst.Error,
			nullNanos(inst.WakeAt), inst.Version,
		); err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, started)
	})
}

func (s *SQLStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.getInstance(ctx, s.db, id)
}

func (s *SQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE 1 = 1`
	var args []any

	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		query += ` AND initiated_at >= ?`
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		query += ` AND initiated_at < ?`
		args = append(args, filter.To.UnixNano())
	}
	query += ` ORDER BY initiated_at, id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLStore) AdvanceStep(ctx context.Context, a Advance) (*api.WorkflowInstance, error) {
	vars, err := encodeString(a.Variables)
	if err != nil {
		return nil, err
	}

	var out *api.WorkflowInstance
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE instances
			SET current_step = ?, variables = ?, wake_at = NULL, version = version + 1
			WHERE id = ? AND current_step = ? AND status IN (?, ?)`,
			a.ExpectedStep+1, vars, a.InstanceID, a.ExpectedStep,
			string(api.StatusRunning), string(api.StatusPaused),
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.conflictOrMissing(ctx, tx, "instances", a.InstanceID)
		}
		if err := s.putExecution(ctx, tx, a.Execution); err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, a.Event); err != nil {
			return err
		}
		out, err = s.getInstance(ctx, tx, a.InstanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Transition(ctx context.Context, t Transition) (*api.WorkflowInstance, error) {
	if len(t.From) == 0 {
		return nil, fmt.Errorf("transition of %s to %s: no source status", t.InstanceID, t.To)
	}

	args := []any{string(t.To), t.Error, nullNanos(t.CompletedAt), boolInt(t.To.Terminal()), t.InstanceID}
	for _, st := range t.From {
		args = append(args, string(st))
	}

	var out *api.WorkflowInstance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE instances
			SET status = ?, error = ?, completed_at = ?,
			    wake_at = CASE WHEN ? = 1 THEN NULL ELSE wake_at END,
			    version = version + 1
			WHERE id = ? AND status IN (`+placeholders(len(t.From))+`)`,
			args...,
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.conflictOrMissing(ctx, tx, "instances", t.InstanceID)
		}
		if t.Execution != nil {
			if err := s.putExecution(ctx, tx, *t.Execution); err != nil {
				return err
			}
		}
		if t.Event != nil {
			if err := s.insertEvent(ctx, tx, *t.Event); err != nil {
				return err
			}
		}
		out, err = s.getInstance(ctx, tx, t.InstanceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ScheduleTimer(ctx context.Context, instanceID string, expectedStep int, wakeAt time.Time, ev api.WorkflowEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE instances
			SET wake_at = ?, version = version + 1
			WHERE id = ? AND current_step = ? AND status IN (?, ?)`,
			wakeAt.UnixNano(), instanceID, expectedStep,
			string(api.StatusRunning), string(api.StatusPaused),
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.conflictOrMissing(ctx, tx, "instances", instanceID)
		}
		return s.insertEvent(ctx, tx, ev)
	})
}

func (s *SQLStore) DeleteInstancesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.d.rebind(`
			SELECT id FROM instances
			WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`),
			string(api.StatusCompleted), string(api.StatusFailed), cutoff.UnixNano(),
		)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, id := range ids {
			for _, stmt := range []string{
				`DELETE FROM step_executions WHERE instance_id = ?`,
				`DELETE FROM workflow_events WHERE instance_id = ?`,
				`DELETE FROM instances WHERE id = ?`,
			} {
				if _, err := s.exec(ctx, tx, stmt, id); err != nil {
					return err
				}
			}
		}
		deleted = len(ids)
		return nil
	})
	return deleted, err
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	n, err := s.exec(ctx, s.db, `
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)`,
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	if n == 0 {
		if err := s.conflictOrMissing(ctx, s.db, "instances", instanceID); errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	n, err := s.exec(ctx, s.db, `
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`,
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.conflictOrMissing(ctx, s.db, "instances", instanceID)
	}
	return nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ?)`,
		instanceID, owner,
	)
	return err
}

// ---- step executions ----

const stepExecutionColumns = `id, instance_id, step_id, step_index, kind, status, input, output, error, started_at, completed_at`

func (s *SQLStore) StartStepExecution(ctx context.Context, exec api.StepExecution) error {
	return s.insertExecution(ctx, s.db, exec)
}

func (s *SQLStore) insertExecution(ctx context.Context, q querier, exec api.StepExecution) error {
	input, err := encodeString(exec.Input)
	if err != nil {
		return err
	}
	output, err := encodeString(exec.Output)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `
		INSERT INTO step_executions (`+stepExecutionColumns+`)
		VALUES (`+placeholders(11)+`)`,
		exec.ID, exec.InstanceID, exec.StepID, exec.StepIndex, string(exec.Kind), string(exec.Status),
		input, output, exec.Error, unixNanos(exec.StartedAt), nullNanos(exec.CompletedAt),
	)
	return err
}

// updateExecution closes a row; it reports whether the row existed.
func (s *SQLStore) updateExecution(ctx context.Context, q querier, exec api.StepExecution) (bool, error) {
	output, err := encodeString(exec.Output)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, q, `
		UPDATE step_executions
		SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(exec.Status), output, exec.Error, nullNanos(exec.CompletedAt), exec.ID,
	)
	return n > 0, err
}

func (s *SQLStore) putExecution(ctx context.Context, q querier, exec api.StepExecution) error {
	found, err := s.updateExecution(ctx, q, exec)
	if err != nil || found {
		return err
	}
	return s.insertExecution(ctx, q, exec)
}

func (s *SQLStore) FinishStepExecution(ctx context.Context, exec api.StepExecution) error {
	found, err := s.updateExecution(ctx, s.db, exec)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func scanStepExecution(sc rowScanner) (api.StepExecution, error) {
	var (
		exec          api.StepExecution
		kind, status  string
		input, output sql.NullString
		startedAt     int64
		completedAt   sql.NullInt64
	)
	if err := sc.Scan(&exec.ID, &exec.InstanceID, &exec.StepID, &exec.StepIndex, &kind, &status,
		&input, &output, &exec.Error, &startedAt, &completedAt); err != nil {
		return exec, err
	}
	in, err := DecodeValue[map[string]any]([]byte(input.String))
	if err != nil {
		return exec, err
	}
	out, err := DecodeValue[map[string]any]([]byte(output.String))
	if err != nil {
		return exec, err
	}
	exec.Kind = api.StepKind(kind)
	exec.Status = api.StepExecutionStatus(status)
	exec.Input = in
	exec.Output = out
	exec.StartedAt = fromNanos(startedAt)
	exec.CompletedAt = fromNullNanos(completedAt)
	return exec, nil
}

func (s *SQLStore) OpenStepExecution(ctx context.Context, instanceID, stepID string) (*api.StepExecution, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT `+stepExecutionColumns+`
		FROM step_executions
		WHERE instance_id = ? AND step_id = ? AND status = ?
		ORDER BY seq DESC
		LIMIT 1`), instanceID, stepID, string(api.StepRunning))
	exec, err := scanStepExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

func (s *SQLStore) ListStepExecutions(ctx context.Context, instanceID string) ([]api.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+stepExecutionColumns+`
		FROM step_executions
		WHERE instance_id = ?
		ORDER BY seq`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.StepExecution
	for rows.Next() {
		exec, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ---- events ----

func (s *SQLStore) insertEvent(ctx context.Context, q querier, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	payload, err := encodeString(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `
		INSERT INTO workflow_events (instance_id, definition_id, type, at, step, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.InstanceID, ev.DefinitionID, string(ev.Type), at.UnixNano(), ev.Step, payload,
	)
	return err
}

func (s *SQLStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	return s.insertEvent(ctx, s.db, ev)
}

func (s *SQLStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id, instance_id, definition_id, type, at, step, payload
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			ev      api.WorkflowEvent
			typ     string
			atN     int64
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.DefinitionID, &typ, &atN, &ev.Step, &payload); err != nil {
			return nil, err
		}
		decoded, err := DecodeValue[map[string]any]([]byte(payload.String))
		if err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		ev.At = fromNanos(atN)
		ev.Payload = decoded
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- approval instances ----

const approvalInstanceColumns = `id, workflow_id, request_id, request_type, status, current_step, metadata, assignments, initiated_by, initiated_at, completed_at, version`

func scanApprovalInstance(sc rowScanner) (*api.ApprovalInstance, error) {
	var (
		inst        api.ApprovalInstance
		status      string
		metadata    sql.NullString
		assignments string
		initiatedAt int64
		completedAt sql.NullInt64
	)
	if err := sc.Scan(&inst.ID, &inst.WorkflowID, &inst.RequestID, &inst.RequestType, &status, &inst.CurrentStep,
		&metadata, &assignments, &inst.InitiatedBy, &initiatedAt, &completedAt, &inst.Version); err != nil {
		return nil, err
	}
	md, err := DecodeValue[map[string]any]([]byte(metadata.String))
	if err != nil {
		return nil, err
	}
	asg, err := DecodeValue[[]api.StepAssignment]([]byte(assignments))
	if err != nil {
		return nil, err
	}
	inst.Status = api.ApprovalStatus(status)
	inst.Metadata = md
	inst.Assignments = asg
	inst.InitiatedAt = fromNanos(initiatedAt)
	inst.CompletedAt = fromNullNanos(completedAt)
	return &inst, nil
}

func (s *SQLStore) insertAction(ctx context.Context, q querier, a api.ApprovalAction) error {
	details, err := encodeString(a.Details)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, q, `
		INSERT INTO approval_actions (id, instance_id, step_number, action, actor_id, comments, details, created_at)
		VALUES (`+placeholders(8)+`)`,
		a.ID, a.InstanceID, a.StepNumber, string(a.Action), a.ActorID, a.Comments, details, unixNanos(a.CreatedAt),
	)
	return err
}

func (s *SQLStore) CreateApprovalInstance(ctx context.Context, inst *api.ApprovalInstance, actions ...api.ApprovalAction) error {
	metadata, err := encodeString(inst.Metadata)
	if err != nil {
		return err
	}
	assignments, err := encodeString(inst.Assignments)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO approval_instances (`+approvalInstanceColumns+`)
			VALUES (`+placeholders(12)+`)`,
			inst.ID, inst.WorkflowID, inst.RequestID, inst.RequestType, string(inst.Status), inst.CurrentStep,
			metadata, assignments, inst.InitiatedBy, unixNanos(inst.InitiatedAt), nullNanos(inst.CompletedAt), inst.Version,
		); err != nil {
			return err
		}
		for _, a := range actions {
			if err := s.insertAction(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GetApprovalInstance(ctx context.Context, id string) (*api.ApprovalInstance, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+approvalInstanceColumns+` FROM approval_instances WHERE id = ?`), id)
	inst, err := scanApprovalInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (s *SQLStore) ListApprovalInstances(ctx context.Context, status api.ApprovalStatus) ([]*api.ApprovalInstance, error) {
	query := `SELECT ` + approvalInstanceColumns + ` FROM approval_instances`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY initiated_at, id`

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.ApprovalInstance
	for rows.Next() {
		inst, err := scanApprovalInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *SQLStore) ApplyApprovalAction(ctx context.Context, inst *api.ApprovalInstance, action api.ApprovalAction) error {
	metadata, err := encodeString(inst.Metadata)
	if err != nil {
		return err
	}
	assignments, err := encodeString(inst.Assignments)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE approval_instances
			SET status = ?, current_step = ?, metadata = ?, assignments = ?, completed_at = ?, version = version + 1
			WHERE id = ? AND version = ? AND status = ?`,
			string(inst.Status), inst.CurrentStep, metadata, assignments, nullNanos(inst.CompletedAt),
			inst.ID, inst.Version, string(api.ApprovalPending),
		)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.conflictOrMissing(ctx, tx, "approval_instances", inst.ID)
		}
		return s.insertAction(ctx, tx, action)
	})
	if err != nil {
		return err
	}
	inst.Version++
	return nil
}

func (s *SQLStore) ListApprovalActions(ctx context.Context, instanceID string) ([]api.ApprovalAction, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT id, instance_id, step_number, action, actor_id, comments, details, created_at
		FROM approval_actions
		WHERE instance_id = ?
		ORDER BY seq`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ApprovalAction
	for rows.Next() {
		var (
			a         api.ApprovalAction
			action    string
			details   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.StepNumber, &action, &a.ActorID, &a.Comments, &details, &createdAt); err != nil {
			return nil, err
		}
		d, err := DecodeValue[map[string]any]([]byte(details.String))
		if err != nil {
			return nil, err
		}
		a.Action = api.ActionType(action)
		a.Details = d
		a.CreatedAt = fromNanos(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- helpers ----

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
