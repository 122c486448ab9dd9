package db

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = d.Close() }()

	version, err := CurrentVersion(d.SQL())
	if err != nil {
		t.Fatalf("CurrentVersion() error: %v", err)
	}
	want := migrations[len(migrations)-1].Version
	if version != want {
		t.Errorf("schema version = %d, want %d", version, want)
	}

	for _, table := range []string{
		"tasks", "agents", "capability_profiles", "task_assignments",
		"model_catalog", "execution_costs", "audit_log", "hiring_requests",
	} {
		var name string
		err := d.SQL().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	d1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	if err := d1.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer func() { _ = d2.Close() }()

	version, err := CurrentVersion(d2.SQL())
	if err != nil {
		t.Fatal(err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("schema version changed on reopen: %d", version)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	d, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	_, err = d.SQL().Exec(`INSERT INTO task_assignments
		(id, task_id, agent_id, status, assigned_at)
		VALUES ('x1', 'no-such-task', 'no-such-agent', 'assigned', CURRENT_TIMESTAMP)`)
	if err == nil {
		t.Error("insert with dangling references should fail with foreign keys on")
	}
}

func TestOneLiveAssignmentIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.db")

	d, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	sqlDB := d.SQL()
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := sqlDB.Exec(q, args...); err != nil {
			t.Fatalf("exec %q: %v", q, err)
		}
	}

	mustExec(`INSERT INTO model_catalog (id, name, created_at, updated_at)
		VALUES ('m1', 'test-model', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	mustExec(`INSERT INTO tasks (id, title, created_at, updated_at)
		VALUES ('t1', 'a task', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	mustExec(`INSERT INTO agents (id, name, model_id, created_at, updated_at)
		VALUES ('a1', 'worker', 'm1', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	mustExec(`INSERT INTO agents (id, name, model_id, created_at, updated_at)
		VALUES ('a2', 'worker2', 'm1', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	mustExec(`INSERT INTO task_assignments (id, task_id, agent_id, status, assigned_at)
		VALUES ('as1', 't1', 'a1', 'assigned', CURRENT_TIMESTAMP)`)

	// A second live assignment for the same task violates the
	// partial unique index.
	if _, err := sqlDB.Exec(`INSERT INTO task_assignments (id, task_id, agent_id, status, assigned_at)
		VALUES ('as2', 't1', 'a2', 'assigned', CURRENT_TIMESTAMP)`); err == nil {
		t.Error("two live assignments for one task should be rejected")
	}

	// Once the first is terminal, a new live assignment is allowed.
	mustExec(`UPDATE task_assignments SET status = 'reassigned' WHERE id = 'as1'`)
	mustExec(`INSERT INTO task_assignments (id, task_id, agent_id, status, assigned_at)
		VALUES ('as3', 't1', 'a2', 'assigned', CURRENT_TIMESTAMP)`)
}

func TestExpandPath(t *testing.T) {
	if got := expandPath(""); got != "" {
		t.Errorf("expandPath(\"\") = %q", got)
	}
	if got := expandPath("/abs/path.db"); got != "/abs/path.db" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := expandPath("~/data.db"); got == "~/data.db" {
		t.Error("tilde path not expanded")
	}
}
