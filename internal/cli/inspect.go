package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Database string
	Document string
}

// LogInfo describes one retained log.
type LogInfo struct {
	Author   string `json:"author"`
	LogType  string `json:"log_type"`
	Document string `json:"document"`
	First    uint64 `json:"first"`
	Last     uint64 `json:"last"`
	Count    int    `json:"count"`
}

// InspectResult is the JSON payload of inspect.
type InspectResult struct {
	Logs []LogInfo `json:"logs"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the logs of an operation store",
		Long: `List every log held by a SQLite operation store.

Each row shows the author, the log type, the document, and the retained
sequence range. Pruned logs start above zero.

Example:
  aardvark inspect --db ./operations.db
  aardvark inspect --db ./operations.db --document 6a1f... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite operation store (required)")
	cmd.Flags().StringVar(&opts.Document, "document", "", "only list logs of this document")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var filter *core.DocumentId
	if opts.Document != "" {
		doc, err := core.ParseDocumentId(opts.Document)
		if err != nil {
			_ = formatter.Error(ErrCodeDocument, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid document id", err)
		}
		filter = &doc
	}

	st, err := openExistingStore(opts.Database, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	summaries, err := st.Logs(cmdContext(cmd))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list logs", err)
	}

	result := InspectResult{Logs: make([]LogInfo, 0, len(summaries))}
	for _, s := range summaries {
		if filter != nil && s.LogId.Document != *filter {
			continue
		}
		result.Logs = append(result.Logs, LogInfo{
			Author:   s.Author.String(),
			LogType:  s.LogId.Type.String(),
			Document: s.LogId.Document.String(),
			First:    s.First,
			Last:     s.Last,
			Count:    s.Count,
		})
	}
	formatter.VerboseLog("%d log(s) in %s", len(result.Logs), opts.Database)

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	if len(result.Logs) == 0 {
		fmt.Fprintln(formatter.Writer, "No logs found.")
		return nil
	}

	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AUTHOR\tLOG\tDOCUMENT\tSEQ\tCOUNT")
	for _, l := range result.Logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d..%d\t%d\n", short(l.Author), l.LogType, short(l.Document), l.First, l.Last, l.Count)
	}
	return tw.Flush()
}

// openExistingStore opens a SQLite store without creating a new file.
func openExistingStore(path string, formatter *OutputFormatter) (*store.SQLiteStore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		msg := fmt.Sprintf("database not found: %s", path)
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return nil, NewExitError(ExitCommandError, msg)
	}
	st, err := store.Open(path)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func short(hex string) string {
	if len(hex) <= 8 {
		return hex
	}
	return hex[:8]
}
