package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/crdt"
	"github.com/roach88/aardvark/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayResult is the text rebuilt from stored logs.
type ReplayResult struct {
	Document   string `json:"document"`
	Authors    int    `json:"authors"`
	Operations int    `json:"operations"`
	Text       string `json:"text"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <document>",
		Short: "Rebuild a document's text from stored logs",
		Long: `Rebuild a document's text from the operations in a SQLite store.

Every author's snapshot log is applied before their delta log, in
sequence order, on a fresh replica. The result matches what a peer
joining the document would see.

Example:
  aardvark replay --db ./operations.db 6a1f...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite operation store (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, docArg string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	doc, err := core.ParseDocumentId(docArg)
	if err != nil {
		_ = formatter.Error(ErrCodeDocument, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid document id", err)
	}

	st, err := openExistingStore(opts.Database, formatter)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := replayDocument(cmdContext(cmd), st, doc, formatter)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "replay failed", err)
	}
	if result.Operations == 0 {
		msg := fmt.Sprintf("no operations for document %s", doc.Short())
		_ = formatter.Error(ErrCodeDocument, msg, nil)
		return NewExitError(ExitFailure, msg)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, result.Text)
	return nil
}

// replayDocument applies every stored body of doc to an empty replica.
func replayDocument(ctx context.Context, ops store.OperationStore, doc core.DocumentId, formatter *OutputFormatter) (ReplayResult, error) {
	entries, err := store.DocumentOperations(ctx, ops, doc)
	if err != nil {
		return ReplayResult{}, err
	}

	result := ReplayResult{Document: doc.String(), Operations: len(entries)}
	authors := make(map[core.PublicKey]bool)
	text := crdt.NewText(0)
	for _, op := range entries {
		author := op.Header.PublicKey
		if !authors[author] {
			authors[author] = true
			formatter.VerboseLog("replaying %s", author.Short())
		}
		if len(op.Body) == 0 {
			continue
		}
		logType := op.Header.Extensions.LogType
		if err := text.ApplyEncodedDelta(op.Body); err != nil {
			return ReplayResult{}, fmt.Errorf("apply %s/%d of %s: %w", logType, op.Header.SeqNum, author.Short(), err)
		}
	}
	result.Authors = len(authors)
	result.Text = text.String()
	return result, nil
}
