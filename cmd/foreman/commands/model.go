package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/avery/foreman/internal/ledger"
)

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Manage the model catalog",
	Long: `Manage the catalog of models agents can be backed by. Catalog rates
price every execution; the matcher uses tier-adjusted efficiency for
cost scoring.`,
}

var modelAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or update a catalog model",
	Long: `Add a model to the catalog, or update it if the name already exists.
Costs are per token in dollars, e.g. 3e-6 for $3 per million input tokens.`,
	Args: cobra.ExactArgs(1),
	RunE: runModelAdd,
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog models",
	RunE:  runModelList,
}

var modelRetireCmd = &cobra.Command{
	Use:   "retire <name>",
	Short: "Mark a model inactive",
	Long: `Mark a model inactive. Agents backed by it stop receiving assignments;
historical cost rows keep their recorded pricing.`,
	Args: cobra.ExactArgs(1),
	RunE: runModelRetire,
}

func init() {
	modelAddCmd.Flags().String("provider", "anthropic", "Provider name")
	modelAddCmd.Flags().Float64("input-cost", 0, "Cost per input token in dollars")
	modelAddCmd.Flags().Float64("output-cost", 0, "Cost per output token in dollars")
	modelAddCmd.Flags().Int64("context", 200_000, "Context window in tokens")
	modelAddCmd.Flags().String("tier", "standard", "Performance tier (basic, standard, premium, enterprise)")
	modelAddCmd.Flags().StringSlice("capability", nil, "Model capability tag (repeatable)")
	_ = modelAddCmd.MarkFlagRequired("input-cost")
	_ = modelAddCmd.MarkFlagRequired("output-cost")

	modelListCmd.Flags().Bool("json", false, "Output as JSON")

	modelCmd.AddCommand(modelAddCmd)
	modelCmd.AddCommand(modelListCmd)
	modelCmd.AddCommand(modelRetireCmd)
	rootCmd.AddCommand(modelCmd)
}

func runModelAdd(cmd *cobra.Command, args []string) error {
	provider, _ := cmd.Flags().GetString("provider")
	inputCost, _ := cmd.Flags().GetFloat64("input-cost")
	outputCost, _ := cmd.Flags().GetFloat64("output-cost")
	contextLimit, _ := cmd.Flags().GetInt64("context")
	tier, _ := cmd.Flags().GetString("tier")
	capabilities, _ := cmd.Flags().GetStringSlice("capability")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entry := &ledger.ModelCatalogEntry{
		ID:                 uuid.NewString(),
		Name:               args[0],
		Provider:           provider,
		CostPerInputToken:  inputCost,
		CostPerOutputToken: outputCost,
		ContextLimit:       contextLimit,
		Tier:               ledger.PerformanceTier(strings.ToLower(tier)),
		Capabilities:       capabilities,
		Active:             true,
	}

	// Updates keep the existing id so cost rows stay attached.
	if existing, err := rt.store.ModelByName(ctx, entry.Name); err == nil && existing != nil {
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
	}

	entry.NormalizeCapabilities()
	if err := entry.Validate(); err != nil {
		return err
	}
	if err := rt.store.UpsertModel(ctx, entry); err != nil {
		return fmt.Errorf("save model: %w", err)
	}

	fmt.Printf("Saved: %s (%s, %s tier)\n", entry.Name, entry.Provider, entry.Tier)
	fmt.Printf("Rates: %s in / %s out per million tokens\n",
		formatMoney(entry.CostPerInputToken*1e6), formatMoney(entry.CostPerOutputToken*1e6))
	return nil
}

func runModelList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	list, err := rt.store.ActiveModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("Catalog is empty. Add a model with 'foreman model add'.")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tPROVIDER\tTIER\tIN/MTOK\tOUT/MTOK\tCONTEXT\tEFFICIENCY")
	for _, m := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dk\t%.2f\n",
			m.Name, m.Provider, m.Tier,
			formatMoney(m.CostPerInputToken*1e6),
			formatMoney(m.CostPerOutputToken*1e6),
			m.ContextLimit/1000,
			m.EfficiencyScore())
	}
	_ = w.Flush()
	fmt.Printf("\n%d model(s)\n", len(list))
	return nil
}

func runModelRetire(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	entry, err := rt.store.ModelByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("model %s: %w", args[0], err)
	}
	entry.Active = false
	if err := rt.store.UpsertModel(ctx, entry); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	fmt.Printf("Retired: %s\n", entry.Name)
	return nil
}
