package persistence

import (
	"strconv"
	"strings"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
type dialect struct {
	name         string
	serialPK     string
	dollarParams bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	postgresDialect = dialect{
		name:         "postgres",
		serialPK:     "BIGSERIAL PRIMARY KEY",
		dollarParams: true,
	}
)

// rebind rewrites '?' placeholders to $1..$n for PostgreSQL. Queries in this
// package never contain a literal '?'.
func (d dialect) rebind(q string) string {
	if !d.dollarParams {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			steps TEXT NOT NULL,
			is_template INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_definitions_name_version ON definitions(name, version)`,
		`CREATE TABLE IF NOT EXISTS approval_workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			request_type TEXT NOT NULL,
			steps TEXT NOT NULL,
			auto_approval_rules TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_workflows_type ON approval_workflows(request_type, is_active)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_name TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			variables TEXT,
			initiated_by TEXT NOT NULL DEFAULT '',
			initiated_at BIGINT NOT NULL,
			completed_at BIGINT,
			error TEXT NOT NULL DEFAULT '',
			wake_at BIGINT,
			version BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_definition ON instances(definition_id, status)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			seq ` + d.serialPK + `,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_executions_instance ON step_executions(instance_id, seq)`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id ` + d.serialPK + `,
			instance_id TEXT NOT NULL,
			definition_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			at BIGINT NOT NULL,
			step INTEGER NOT NULL DEFAULT 0,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id)`,
		`CREATE TABLE IF NOT EXISTS approval_instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			request_type TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			metadata TEXT,
			assignments TEXT NOT NULL,
			initiated_by TEXT NOT NULL DEFAULT '',
			initiated_at BIGINT NOT NULL,
			completed_at BIGINT,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_instances_status ON approval_instances(status)`,
		`CREATE TABLE IF NOT EXISTS approval_actions (
			seq ` + d.serialPK + `,
			id TEXT NOT NULL UNIQUE,
			instance_id TEXT NOT NULL,
			step_number INTEGER NOT NULL,
			action TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			comments TEXT NOT NULL DEFAULT '',
			details TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_actions_instance ON approval_actions(instance_id, seq)`,
	}
}
