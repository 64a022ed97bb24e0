package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/cli/internal/output"
	"github.com/chargekit/chargekit/pkg/config"
)

// rollbackTimeout bounds teardown after an interrupted run; the signal
// context is already canceled by then so rollback gets its own.
const rollbackTimeout = 2 * time.Minute

var runFlags struct {
	configPath string
	hold       time.Duration
	keep       bool
}

var runCmd = &cobra.Command{
	Use:   "run <scenario>...",
	Short: "Run scenario files against the configured adapters",
	Long: `Run loads each scenario file, creates its resources in order through
the configured adapters, holds them for the scenario's hold duration,
and rolls everything back in reverse order.

Arguments may be file paths or glob patterns (** matches across
directories). Scenarios execute sequentially in the order given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scenarios, err := loadScenarioArgs(args)
		if err != nil {
			return err
		}

		cfg, err := loadToolkitConfig(runFlags.configPath)
		if err != nil {
			return err
		}

		log, closeLog, err := buildLogger(cmd, cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		rt, err := buildRuntime(cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := runOptions{keep: runFlags.keep}
		if cmd.Flags().Changed("hold") {
			hold := runFlags.hold
			opts.hold = &hold
		}

		results := make([]*scenarioResult, 0, len(scenarios))
		var runErr error
		for _, sc := range scenarios {
			res, err := executeScenario(ctx, rt, sc, opts)
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				runErr = fmt.Errorf("scenario %q: %w", sc.Name, err)
				break
			}
			if ctx.Err() != nil {
				break
			}
		}

		if jsonOutput {
			if err := output.JSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			printRunSummary(cmd.OutOrStdout(), results)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringVarP(&runFlags.configPath, "config", "c", "", "toolkit config file (YAML or JSON)")
	runCmd.Flags().DurationVar(&runFlags.hold, "hold", 0, "override every scenario's hold duration")
	runCmd.Flags().BoolVar(&runFlags.keep, "keep", false, "keep created resources instead of rolling back")
	rootCmd.AddCommand(runCmd)
}

// loadScenarioArgs resolves each argument to one or more scenarios.
// Arguments containing glob metacharacters expand to every matching
// file; plain paths must exist.
func loadScenarioArgs(args []string) ([]*config.Scenario, error) {
	var scenarios []*config.Scenario
	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			batch, err := config.LoadScenarioDir(arg)
			if err != nil {
				return nil, err
			}
			scenarios = append(scenarios, batch...)
			continue
		}
		sc, err := config.LoadScenario(arg)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios matched %s", strings.Join(args, " "))
	}
	return scenarios, nil
}

type runOptions struct {
	// hold overrides the scenario's own hold when set.
	hold *time.Duration
	// keep skips rollback for every scenario.
	keep bool
}

type scenarioResult struct {
	Scenario   string           `json:"scenario"`
	Resources  []resourceResult `json:"resources"`
	RolledBack bool             `json:"rolledBack"`
	Kept       bool             `json:"kept"`
}

type resourceResult struct {
	Type    string `json:"type"`
	Adapter string `json:"adapter"`
	ID      string `json:"id"`
}

// executeScenario creates the scenario's resources, holds, and tears
// down. Resources created before a failure are rolled back unless the
// scenario keeps them. The manager's ledger is empty on return so the
// next scenario starts clean.
func executeScenario(ctx context.Context, rt *runtime, sc *config.Scenario, opts runOptions) (*scenarioResult, error) {
	log := rt.log.With("scenario", sc.Name)
	log.Info("scenario starting", "resources", len(sc.Resources))

	result := &scenarioResult{Scenario: sc.Name}
	keep := opts.keep || !sc.ShouldRollback()

	var createErr error
create:
	for _, spec := range sc.Resources {
		for i := 0; i < spec.Count; i++ {
			if err := ctx.Err(); err != nil {
				createErr = err
				break create
			}
			resID, err := rt.manager.Create(ctx, spec.Type, sc.DataFor(spec), spec.Adapter)
			if err != nil {
				createErr = fmt.Errorf("create %s via %s: %w", spec.Type, spec.Adapter, err)
				break create
			}
			log.Info("resource created", "type", spec.Type, "adapter", spec.Adapter, "id", resID)
			result.Resources = append(result.Resources, resourceResult{
				Type:    spec.Type,
				Adapter: spec.Adapter,
				ID:      resID,
			})
		}
	}

	if createErr == nil {
		holdResources(ctx, log, sc, opts)
	}

	if keep {
		result.Kept = true
		log.Info("keeping resources", "count", rt.manager.Count(""))
		rt.manager.ClearResources()
		return result, createErr
	}

	rbCtx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := rt.manager.Rollback(rbCtx); err != nil {
		// partially rolled back records stay in the ledger; abandon
		// them so the next scenario is not entangled with this one
		rt.manager.ClearResources()
		if createErr != nil {
			return result, fmt.Errorf("%w (rollback also failed: %v)", createErr, err)
		}
		return result, fmt.Errorf("rollback: %w", err)
	}
	result.RolledBack = true
	log.Info("scenario complete", "created", len(result.Resources), "rolledBack", result.RolledBack)
	return result, createErr
}

// holdResources waits out the scenario hold, returning early when the
// run is interrupted.
func holdResources(ctx context.Context, log *slog.Logger, sc *config.Scenario, opts runOptions) {
	hold := sc.Hold.Std()
	if opts.hold != nil {
		hold = *opts.hold
	}
	if hold <= 0 {
		return
	}
	log.Info("holding resources", "hold", hold.String())
	select {
	case <-time.After(hold):
	case <-ctx.Done():
		log.Info("hold interrupted")
	}
}

func printRunSummary(out io.Writer, results []*scenarioResult) {
	w := output.Table(out)
	fmt.Fprintln(w, "SCENARIO\tTYPE\tADAPTER\tID\tSTATUS")
	for _, res := range results {
		status := "rolled back"
		if res.Kept {
			status = "kept"
		} else if !res.RolledBack {
			status = "rollback failed"
		}
		for _, r := range res.Resources {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", res.Scenario, r.Type, r.Adapter, r.ID, status)
		}
	}
	w.Flush()
}
