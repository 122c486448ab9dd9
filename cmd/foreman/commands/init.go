package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/config"
	"github.com/avery/foreman/internal/db"
	"github.com/avery/foreman/internal/ledger"
	"github.com/avery/foreman/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration and database",
	Long: `Initialize foreman: write a starter config file, create the database
schema, and seed the model catalog with the configured default model.

Use --force to overwrite an existing config file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config without prompting")
	initCmd.Flags().Bool("skip-catalog", false, "Do not seed the model catalog")
	rootCmd.AddCommand(initCmd)
}

const starterConfig = `# foreman configuration
# Every value here can also be set via FOREMAN_* environment variables,
# e.g. FOREMAN_SCHEDULER_WORKERS=8.

db:
  path: ~/.local/share/foreman/foreman.db

log:
  level: info
  dir: ~/.local/share/foreman/logs
  format: json
  retention_days: 14

matcher:
  skill_weight: 0.5
  quality_weight: 0.2
  cost_weight: 0.15
  availability_weight: 0.15
  min_score: 40

consensus:
  default_executions: 3
  similarity_threshold: 0.5
  execution_timeout: 2m
  max_parallel_per_agent: 2

scheduler:
  workers: 4
  hiring_backoff: 30m
  quality_floor: 60
  quality_window: 5

daemon:
  schedule: "*/10 * * * *"

executor:
  provider: anthropic
  default_model: claude-sonnet-4-20250514
  max_tokens: 4096
`

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	skipCatalog, _ := cmd.Flags().GetBool("skip-catalog")

	configPath := configFlag
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(starterConfig), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Wrote config: %s\n", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() { _ = database.Close() }()
	fmt.Printf("Database ready: %s\n", database.Path())

	if skipCatalog {
		return nil
	}

	ctx := context.Background()
	st := store.New(database)
	if existing, err := st.ModelByName(ctx, cfg.Executor.DefaultModel); err == nil && existing != nil {
		fmt.Printf("Model catalog: %s already present\n", existing.Name)
		return nil
	}

	entry := &ledger.ModelCatalogEntry{
		ID:                 uuid.NewString(),
		Name:               cfg.Executor.DefaultModel,
		Provider:           cfg.Executor.Provider,
		CostPerInputToken:  3e-6,
		CostPerOutputToken: 1.5e-5,
		ContextLimit:       200_000,
		Tier:               ledger.TierStandard,
		Capabilities:       []string{"coding", "analysis", "writing"},
		Active:             true,
	}
	if err := st.UpsertModel(ctx, entry); err != nil {
		return fmt.Errorf("seed model catalog: %w", err)
	}
	fmt.Printf("Model catalog: seeded %s (%s)\n", entry.Name, entry.Tier)
	fmt.Println("\nNext: hire an agent with 'foreman agent hire' and submit a task with 'foreman task submit'.")
	return nil
}
