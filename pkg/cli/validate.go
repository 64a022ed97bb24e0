package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chargekit/chargekit/internal/cliconfig"
	"github.com/chargekit/chargekit/pkg/cli/internal/output"
	"github.com/chargekit/chargekit/pkg/config"
)

// validationResult is one file's validation outcome.
type validationResult struct {
	Path      string `json:"path"`
	Kind      string `json:"kind,omitempty"`
	Valid     bool   `json:"valid"`
	Resources int    `json:"resources,omitempty"`
	Error     string `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Validate config and scenario files without touching any backend",
	Long: `Validate checks config and scenario files for syntax, schema, and
field errors. Nothing is created and no backend is contacted.

Each file's kind is sniffed: a document with a top-level "resources"
list is a scenario, anything else is a toolkit config. Arguments may
be paths or glob patterns. Without arguments, the discovered toolkit
config is validated (CHARGEKIT_CONFIG, then chargekit.yaml in the
working directory).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := validateTargets(args)
		if err != nil {
			return err
		}

		results := make([]validationResult, 0, len(paths))
		failed := 0
		for _, path := range paths {
			res := validateFile(path)
			if !res.Valid {
				failed++
			}
			results = append(results, res)
		}

		if jsonOutput {
			if err := output.JSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			printValidateResults(cmd.OutOrStdout(), results)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d file(s) failed validation", failed, len(paths))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// validateTargets resolves the command arguments to file paths,
// expanding globs. Without arguments it falls back to config
// discovery.
func validateTargets(args []string) ([]string, error) {
	if len(args) == 0 {
		path, err := cliconfig.Discover()
		if err != nil {
			return nil, err
		}
		if path == "" {
			return nil, fmt.Errorf("nothing to validate: no file arguments and no chargekit.yaml found")
		}
		return []string{path}, nil
	}

	var paths []string
	for _, arg := range args {
		if strings.ContainsAny(arg, "*?[") {
			matches, err := config.Glob(arg)
			if err != nil {
				return nil, err
			}
			paths = append(paths, matches...)
			continue
		}
		paths = append(paths, arg)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files matched %s", strings.Join(args, " "))
	}
	return paths, nil
}

// validateFile sniffs the file kind and runs the matching loader. Load
// errors become the result's Error rather than aborting the command so
// every file gets reported.
func validateFile(path string) validationResult {
	res := validationResult{Path: path}

	kind, err := config.Detect(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Kind = string(kind)

	switch kind {
	case config.KindScenario:
		sc, err := config.LoadScenario(path)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		for _, spec := range sc.Resources {
			res.Resources += spec.Count
		}
	default:
		if _, err := config.Load(path); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	res.Valid = true
	return res
}

func printValidateResults(out io.Writer, results []validationResult) {
	w := output.Table(out)
	fmt.Fprintln(w, "FILE\tKIND\tSTATUS")
	for _, res := range results {
		status := "ok"
		if res.Kind == string(config.KindScenario) && res.Valid {
			status = fmt.Sprintf("ok (%d resources)", res.Resources)
		}
		if !res.Valid {
			status = res.Error
		}
		kind := res.Kind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", res.Path, kind, status)
	}
	w.Flush()
}
