package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit <entity-type> <entity-id>",
	Short: "Show an entity's audit trail",
	Long: `Show the append-only audit trail for an entity. Entity types are
task, assignment, and agent.

Use --diff to include the before/after snapshots for each mutation.`,
	Args: cobra.ExactArgs(2),
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().Bool("diff", false, "Include before/after snapshots")
	auditCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	withDiff, _ := cmd.Flags().GetBool("diff")
	asJSON, _ := cmd.Flags().GetBool("json")

	entityType := strings.ToLower(args[0])
	switch entityType {
	case "task", "assignment", "agent":
	default:
		return fmt.Errorf("unknown entity type: %s (valid: task, assignment, agent)", args[0])
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.store.AuditEntriesForEntity(ctx, entityType, args[1])
	if err != nil {
		return fmt.Errorf("audit trail for %s %s: %w", entityType, args[1], err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, e := range entries {
		actor := e.Actor
		if actor == "" {
			actor = "-"
		}
		fmt.Printf("%s  %-24s actor=%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, actor)
		for k, v := range e.Metadata {
			fmt.Printf("    %s=%s\n", k, v)
		}
		if withDiff {
			if len(e.Before) > 0 {
				fmt.Printf("    before: %s\n", compactJSON(e.Before))
			}
			if len(e.After) > 0 {
				fmt.Printf("    after:  %s\n", compactJSON(e.After))
			}
		}
	}
	fmt.Printf("\n%d entr(ies)\n", len(entries))
	return nil
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
