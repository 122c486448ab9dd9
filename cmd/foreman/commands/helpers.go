package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/avery/foreman/internal/audit"
	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/consensus"
	"github.com/avery/foreman/internal/db"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/match"
	"github.com/avery/foreman/internal/modelexec"
	"github.com/avery/foreman/internal/scheduler"
	"github.com/avery/foreman/internal/store"
	"github.com/avery/foreman/internal/taskgraph"
)

// runtime bundles the wired engine pieces a command needs. Commands
// open it, use what they need, and Close it.
type runtime struct {
	cfg   *config.Config
	db    *db.DB
	store *store.Store
	graph *taskgraph.Graph
	led   *ledger.Ledger
	rec   *audit.Recorder
}

// openRuntime loads config, opens the database, and seeds the task
// graph from persisted tasks.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	st := store.New(database)
	rec := audit.NewRecorder(st, nil)

	g := taskgraph.New(
		taskgraph.WithPersister(st),
		taskgraph.WithRecorder(rec),
	)
	existing, err := st.ListTasks(ctx)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	g.Load(existing)

	return &runtime{
		cfg:   cfg,
		db:    database,
		store: st,
		graph: g,
		led:   ledger.New(st, nil),
		rec:   rec,
	}, nil
}

func (r *runtime) Close() {
	_ = r.db.Close()
}

// scheduler builds a Scheduler over the runtime. A nil resolver is
// fine for commands that only touch agent lifecycle.
func (r *runtime) scheduler(res scheduler.Resolver, opts ...scheduler.Option) *scheduler.Scheduler {
	opts = append(opts, scheduler.WithRecorder(r.rec))
	return scheduler.New(r.graph, r.store, match.New(r.cfg.Matcher), res, r.cfg.Scheduler, opts...)
}

// resolver builds the consensus engine over the Anthropic executor.
func (r *runtime) resolver() (scheduler.Resolver, error) {
	exec, err := modelexec.NewAnthropic("", r.cfg.Executor.MaxTokens)
	if err != nil {
		return nil, err
	}
	return consensus.New(exec, r.led, r.cfg.Consensus), nil
}

// parseDeadline accepts a duration offset from now ("48h"), an RFC3339
// timestamp, or a plain date. Empty means no deadline.
func parseDeadline(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := time.Now().Add(d)
		return &t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	return nil, fmt.Errorf("invalid deadline %q (want a duration like 48h, RFC3339, or YYYY-MM-DD)", s)
}

func formatMoney(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
