package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/avery/foreman/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: tasks, agents, task_assignments, model_catalog, execution_costs, audit_log",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add hiring_requests table for assignment backoff",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "one active agent per profile; delete actions on assignments and hiring requests",
		SQL:         migration003SQL,
	},
}

const migration001SQL = `
CREATE TABLE tasks (
    id              TEXT PRIMARY KEY,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    ticket_id       TEXT NOT NULL DEFAULT '',
    parent_id       TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    priority        TEXT NOT NULL DEFAULT 'medium',
    failure_reason  TEXT NOT NULL DEFAULT '',
    required_skills TEXT NOT NULL DEFAULT '[]',
    dependencies    TEXT NOT NULL DEFAULT '[]',
    blockers        TEXT NOT NULL DEFAULT '[]',
    estimated_cost  REAL NOT NULL DEFAULT 0,
    actual_cost     REAL NOT NULL DEFAULT 0,
    metadata        TEXT NOT NULL DEFAULT '{}',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    completed_at    DATETIME,
    deadline        DATETIME
);

CREATE INDEX idx_tasks_status ON tasks(status);

CREATE TABLE agents (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'inactive',
    model_id   TEXT NOT NULL,
    resume_id  TEXT NOT NULL DEFAULT '',
    profile_id TEXT NOT NULL DEFAULT '',
    config     TEXT NOT NULL DEFAULT '{}',
    metrics    TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE capability_profiles (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    skills     TEXT NOT NULL DEFAULT '[]',
    experience TEXT NOT NULL DEFAULT 'mid',
    department TEXT NOT NULL DEFAULT ''
);

CREATE TABLE task_assignments (
    id               TEXT PRIMARY KEY,
    task_id          TEXT NOT NULL REFERENCES tasks(id),
    agent_id         TEXT NOT NULL REFERENCES agents(id),
    status           TEXT NOT NULL DEFAULT 'assigned',
    capability_score REAL NOT NULL DEFAULT 0,
    cost_estimate    REAL NOT NULL DEFAULT 0,
    actual_cost      REAL NOT NULL DEFAULT 0,
    quality_score    REAL,
    completion_notes TEXT NOT NULL DEFAULT '',
    assigned_at      DATETIME NOT NULL,
    completed_at     DATETIME
);

CREATE INDEX idx_assignments_task ON task_assignments(task_id);
CREATE INDEX idx_assignments_agent ON task_assignments(agent_id);
CREATE UNIQUE INDEX idx_assignments_one_live ON task_assignments(task_id)
    WHERE status IN ('assigned', 'accepted', 'in_progress');

CREATE TABLE model_catalog (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL UNIQUE,
    provider              TEXT NOT NULL DEFAULT '',
    cost_per_input_token  REAL NOT NULL DEFAULT 0,
    cost_per_output_token REAL NOT NULL DEFAULT 0,
    context_limit         INTEGER NOT NULL DEFAULT 0,
    tier                  TEXT NOT NULL DEFAULT 'standard',
    capabilities          TEXT NOT NULL DEFAULT '[]',
    active                INTEGER NOT NULL DEFAULT 1,
    created_at            DATETIME NOT NULL,
    updated_at            DATETIME NOT NULL
);

CREATE TABLE execution_costs (
    id              TEXT PRIMARY KEY,
    agent_id        TEXT NOT NULL REFERENCES agents(id),
    task_id         TEXT NOT NULL DEFAULT '',
    model_id        TEXT NOT NULL REFERENCES model_catalog(id),
    kind            TEXT NOT NULL,
    input_tokens    INTEGER NOT NULL DEFAULT 0,
    output_tokens   INTEGER NOT NULL DEFAULT 0,
    total_cost      REAL NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    consensus_round INTEGER NOT NULL DEFAULT 1,
    failed          INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL
);

CREATE INDEX idx_costs_agent ON execution_costs(agent_id);
CREATE INDEX idx_costs_task ON execution_costs(task_id);
CREATE INDEX idx_costs_model ON execution_costs(model_id);

CREATE TABLE audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    before_json TEXT,
    after_json  TEXT,
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  DATETIME NOT NULL
);

CREATE INDEX idx_audit_entity ON audit_log(entity_type, entity_id, created_at DESC);
`

const migration002SQL = `
CREATE TABLE hiring_requests (
    task_id      TEXT PRIMARY KEY REFERENCES tasks(id),
    skills       TEXT NOT NULL DEFAULT '[]',
    experience   TEXT NOT NULL DEFAULT '',
    requested_at DATETIME NOT NULL
);
`

const migration003SQL = `
CREATE UNIQUE INDEX idx_agents_one_active_per_profile ON agents(profile_id)
    WHERE status = 'active' AND profile_id != '';

CREATE TABLE task_assignments_next (
    id               TEXT PRIMARY KEY,
    task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_id         TEXT NOT NULL REFERENCES agents(id) ON DELETE RESTRICT,
    status           TEXT NOT NULL DEFAULT 'assigned',
    capability_score REAL NOT NULL DEFAULT 0,
    cost_estimate    REAL NOT NULL DEFAULT 0,
    actual_cost      REAL NOT NULL DEFAULT 0,
    quality_score    REAL,
    completion_notes TEXT NOT NULL DEFAULT '',
    assigned_at      DATETIME NOT NULL,
    completed_at     DATETIME
);

INSERT INTO task_assignments_next
    SELECT id, task_id, agent_id, status, capability_score, cost_estimate,
           actual_cost, quality_score, completion_notes, assigned_at, completed_at
    FROM task_assignments;

DROP TABLE task_assignments;
ALTER TABLE task_assignments_next RENAME TO task_assignments;

CREATE INDEX idx_assignments_task ON task_assignments(task_id);
CREATE INDEX idx_assignments_agent ON task_assignments(agent_id);
CREATE UNIQUE INDEX idx_assignments_one_live ON task_assignments(task_id)
    WHERE status IN ('assigned', 'accepted', 'in_progress');

CREATE TABLE hiring_requests_next (
    task_id      TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
    skills       TEXT NOT NULL DEFAULT '[]',
    experience   TEXT NOT NULL DEFAULT '',
    requested_at DATETIME NOT NULL
);

INSERT INTO hiring_requests_next
    SELECT task_id, skills, experience, requested_at FROM hiring_requests;

DROP TABLE hiring_requests;
ALTER TABLE hiring_requests_next RENAME TO hiring_requests;
`

// Migrate runs all pending migrations inside transactions.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	log := logging.Component("db")
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, migration.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}

		log.Infof("applied migration %d: %s", migration.Version, migration.Description)
		currentVersion = migration.Version
	}

	return nil
}

// CurrentVersion returns the current schema version (0 if no migrations applied).
func CurrentVersion(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is nil")
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}
