package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/aardvark/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden traces
	Filter string // scenario name glob
}

// Golden trace states of a scenario.
const (
	GoldenNone     = "none"
	GoldenMatch    = "match"
	GoldenMismatch = "mismatch"
	GoldenUpdated  = "updated"
)

// ScenarioResult is the outcome of one editing session.
type ScenarioResult struct {
	Name      string            `json:"name"`
	File      string            `json:"file"`
	Pass      bool              `json:"pass"`
	Golden    string            `json:"golden,omitempty"`
	Texts     map[string]string `json:"texts,omitempty"`
	Converged bool              `json:"converged"`
	Errors    []string          `json:"errors,omitempty"`
}

// TestResult summarises a scenario directory.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run editing-session scenarios",
		Long: `Run editing-session scenarios on in-process nodes.

Each scenario starts one node per peer, plays its create, join, insert,
delete and sync steps, then checks its assertions. The trace of local
edits and sync points is compared with golden/<name>.golden next to the
scenario when that file exists. Failed scenarios list every peer's final
text and whether the peers converged.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  aardvark test ./scenarios
  aardvark test ./scenarios --filter "late_*"
  aardvark test ./scenarios --update
  aardvark test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden traces")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose file name matches this glob")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(dir); err != nil {
		msg := fmt.Sprintf("scenarios directory not found: %s", dir)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}
	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	suite := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		formatter.VerboseLog("running %s", file)
		result := runScenario(file, opts.Update)
		suite.add(result)
		if opts.Format != "json" {
			printScenario(formatter.Writer, result, opts.Verbose)
		}
	}

	if opts.Format == "json" {
		if err := writeSuiteJSON(formatter.Writer, suite); err != nil {
			return err
		}
	} else {
		printSummary(formatter.Writer, suite)
	}
	if suite.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", suite.Failed))
	}
	return nil
}

// findScenarioFiles lists the .yaml and .yml files under dir whose name,
// without extension, matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenario plays one scenario file. Load, run, assertion and golden
// failures all end up in Errors.
func runScenario(file string, update bool) ScenarioResult {
	res := ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("load: %v", err)}
		return res
	}
	res.Name = scenario.Name

	result, err := harness.Run(scenario)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("run: %v", err)}
		return res
	}
	res.Texts = result.Texts
	res.Converged = converged(result.Texts)
	res.Errors = append(res.Errors, result.Errors...)

	res.Golden, err = checkGolden(goldenFilePath(file), result.Render(scenario.Name), update)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	res.Pass = len(res.Errors) == 0
	return res
}

func converged(texts map[string]string) bool {
	seen := ""
	first := true
	for _, text := range texts {
		if !first && text != seen {
			return false
		}
		seen, first = text, false
	}
	return true
}

// goldenFilePath returns golden/<name>.golden beside the scenario file.
func goldenFilePath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}

// checkGolden compares trace with the golden file at path, or rewrites it
// when update is set. A missing golden file is not an error.
func checkGolden(path string, trace []byte, update bool) (string, error) {
	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("create golden directory: %w", err)
		}
		if err := os.WriteFile(path, trace, 0o644); err != nil {
			return "", fmt.Errorf("write golden file: %w", err)
		}
		return GoldenUpdated, nil
	}

	want, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return GoldenNone, nil
	case err != nil:
		return "", fmt.Errorf("read golden file: %w", err)
	case !bytes.Equal(want, trace):
		return GoldenMismatch, fmt.Errorf("trace differs from %s (run with --update to regenerate)", filepath.Base(path))
	}
	return GoldenMatch, nil
}

func printScenario(w io.Writer, r ScenarioResult, verbose bool) {
	mark := "✓"
	if !r.Pass {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s", mark, r.Name)
	if r.Golden == GoldenUpdated {
		fmt.Fprint(w, " (golden updated)")
	}
	fmt.Fprintln(w)

	if !r.Pass || verbose {
		for _, peer := range slices.Sorted(maps.Keys(r.Texts)) {
			fmt.Fprintf(w, "    %s: %q\n", peer, r.Texts[peer])
		}
		if !r.Converged {
			fmt.Fprintln(w, "    peers diverged")
		}
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "    %s\n", e)
	}
}

func printSummary(w io.Writer, suite TestResult) {
	if suite.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	fmt.Fprintf(w, "\nScenarios: %d passed, %d failed, %d total\n", suite.Passed, suite.Failed, suite.Total)
	if suite.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}

// writeSuiteJSON writes the suite as the data of a CLIResponse, with an
// error entry when any scenario failed.
func writeSuiteJSON(w io.Writer, suite TestResult) error {
	response := CLIResponse{Status: "ok", Data: suite}
	if suite.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeScenario,
			Message: fmt.Sprintf("%d scenario(s) failed", suite.Failed),
		}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}
