package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/pkg/cli/templates"
)

var initFlags struct {
	force        bool
	output       string
	scenariosDir string
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter config and smoke scenario",
	Long: `Init writes a commented chargekit.yaml and a smoke scenario under
scenarios/. The starter config only enables the emulator adapter, so
'chargekit run scenarios/smoke.yaml' works with no backend at all; the
other adapter blocks are included commented out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scenarioPath := filepath.Join(initFlags.scenariosDir, "smoke.yaml")

		if err := writeStarter(initFlags.output, templates.Config, initFlags.force); err != nil {
			return err
		}
		if err := writeStarter(scenarioPath, templates.Scenario, initFlags.force); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Created %s and %s\n\n", initFlags.output, scenarioPath)
		fmt.Fprintln(out, "Next steps:")
		fmt.Fprintln(out, "  chargekit validate")
		fmt.Fprintf(out, "  chargekit run %s\n", scenarioPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initFlags.force, "force", false, "Overwrite existing files")
	initCmd.Flags().StringVarP(&initFlags.output, "output", "o", "chargekit.yaml", "Config output path")
	initCmd.Flags().StringVar(&initFlags.scenariosDir, "scenarios-dir", "scenarios", "Directory for the starter scenario")
	rootCmd.AddCommand(initCmd)
}

// writeStarter writes one embedded starter file, refusing to overwrite
// unless forced.
func writeStarter(path string, data []byte, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("file already exists: %s (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
