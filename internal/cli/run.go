package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/aardvark/internal/config"
	"github.com/roach88/aardvark/internal/core"
	"github.com/roach88/aardvark/internal/document"
	"github.com/roach88/aardvark/internal/network"
	"github.com/roach88/aardvark/internal/node"
	"github.com/roach88/aardvark/internal/operation"
	"github.com/roach88/aardvark/internal/queue"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
	Create bool
	Join   string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and edit a document",
		Long: `Start an aardvark node and open one document for editing.

The node uses the stores and transport named in the config file and
either creates a new document (--create) or joins an existing one by id
(--join). Edits are read from stdin, one per line:

  i <pos> <text>    insert text at rune offset pos
  d <start> <end>   delete the runes in [start, end)
  p                 print the current text
  q                 quit

Local and remote changes are printed as they happen. The node stops at
end of input or on interrupt.

Example:
  aardvark run -c ./aardvark.yaml --create
  aardvark run -c ./aardvark.yaml --join 6a1f...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to config file (defaults apply when empty)")
	cmd.Flags().BoolVar(&opts.Create, "create", false, "create a new document")
	cmd.Flags().StringVar(&opts.Join, "join", "", "join the document with this id")
	cmd.MarkFlagsMutuallyExclusive("create", "join")
	cmd.MarkFlagsOneRequired("create", "join")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	var joinID core.DocumentId
	if opts.Join != "" {
		id, err := core.ParseDocumentId(opts.Join)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid document id", err)
		}
		joinID = id
	}

	key, err := loadKey(cfg.KeyPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load key", err)
	}

	policy, err := snapshotPolicy(cfg.Document)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid snapshot policy", err)
	}

	st, err := openStores(cfg.Storage, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open stores", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing stores", "error", closeErr)
		}
	}()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	registry := prometheus.NewRegistry()
	if cfg.Metrics.Listen != "" {
		stop := serveMetrics(cfg.Metrics.Listen, registry, logger)
		defer stop()
	}

	n := node.New(st.operations, st.documents,
		node.WithLogger(logger),
		node.WithNetwork(network.WebsocketFactory(network.WebsocketConfig{
			Listen: cfg.Transport.Listen,
			Peers:  cfg.Transport.Peers,
			MDNS:   cfg.Transport.MDNS,
			Logger: logger,
		})),
		node.WithChannelCapacity(cfg.Node.ChannelCapacity),
		node.WithIngesterOptions(
			operation.WithPendingLimit(cfg.Node.PendingLimit),
			operation.WithPruneOnIngest(cfg.Node.PruneOnIngest),
		),
		node.WithMetrics(registry),
	)
	if err := n.Run(ctx, key, network.NetworkID(cfg.NetworkID)); err != nil {
		return WrapExitError(ExitFailure, "failed to start node", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := n.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down node", "error", err)
		}
	}()

	var sub *node.Subscription
	if opts.Create {
		joinID, sub, err = n.CreateDocument(ctx)
	} else {
		sub, err = n.JoinDocument(ctx, joinID)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open document", err)
	}
	if opts.Join != "" && cfg.Storage.Operations != "sqlite" {
		// Without this key's earlier logs, edits made before peers sync
		// them back restart the author's logs and are dropped by peers.
		logger.Warn("operations store is in memory; earlier edits by this key are only restored once peers sync them")
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	logger.Info("node started", "public_key", key.PublicKey().Short(), "document", joinID.Short())
	out.printf("document: %s\n", joinID)

	doc := document.Open(ctx, joinID, key.PublicKey(), sub,
		document.WithSnapshotPolicy(policy),
		document.WithLogger(logger),
	)

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(doc.Events(), out, opts.Format)
	}()

	readErr := readEdits(ctx, cmd.InOrStdin(), doc, out)
	cancel()
	docErr := doc.Close()
	<-printed

	if readErr != nil {
		return WrapExitError(ExitFailure, "failed to read input", readErr)
	}
	if docErr != nil && !core.IsCode(docErr, core.CodeChannelClosed) {
		return WrapExitError(ExitFailure, "document stopped", docErr)
	}
	if subErr := sub.Err(); subErr != nil {
		return WrapExitError(ExitFailure, "subscription failed", subErr)
	}
	logger.Info("node stopped gracefully")
	return nil
}

func snapshotPolicy(cfg config.DocumentConfig) (document.SnapshotPolicy, error) {
	if cfg.SnapshotPolicy != config.PolicyInterval {
		return document.EveryChange{}, nil
	}
	every, err := cfg.Interval()
	if err != nil {
		return nil, err
	}
	return document.NewIntervalPolicy(every), nil
}

// serveMetrics exposes reg on addr and returns a function stopping the
// server.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readEdits applies edit lines from r until end of input, a quit line, or
// ctx is done.
func readEdits(ctx context.Context, r io.Reader, doc *document.Document, out *lockedWriter) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := applyEdit(doc, line, out); quit {
				return nil
			}
		}
	}
}

// applyEdit executes one input line and reports whether it asked to quit.
func applyEdit(doc *document.Document, line string, out *lockedWriter) bool {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return false
	}
	fields := strings.SplitN(line, " ", 3)

	var err error
	switch fields[0] {
	case "q":
		return true
	case "p":
		out.printf("%s\n", doc.Text())
		return false
	case "i":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: i <pos> <text>")
			break
		}
		var pos int
		if pos, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		err = doc.InsertText(pos, norm.NFC.String(fields[2]))
	case "d":
		if len(fields) != 3 {
			err = fmt.Errorf("usage: d <start> <end>")
			break
		}
		var start, end int
		if start, err = strconv.Atoi(fields[1]); err != nil {
			break
		}
		if end, err = strconv.Atoi(strings.TrimSpace(fields[2])); err != nil {
			break
		}
		err = doc.DeleteRange(start, end)
	default:
		err = fmt.Errorf("unknown command %q", fields[0])
	}
	if err != nil {
		out.printf("error: %v\n", err)
	}
	return false
}

// eventLine is the JSON form of a presentation event.
type eventLine struct {
	Kind   string `json:"kind"`
	Pos    int    `json:"pos,omitempty"`
	Text   string `json:"text,omitempty"`
	Start  int    `json:"start,omitempty"`
	End    int    `json:"end,omitempty"`
	Remote bool   `json:"remote"`
}

// printEvents writes presentation events until the queue closes.
func printEvents(events *queue.Queue[document.Event], out *lockedWriter, format string) {
	for {
		ev, ok := events.Pop(context.Background())
		if !ok {
			return
		}
		out.printf("%s\n", formatEvent(ev, format))
	}
}

func formatEvent(ev document.Event, format string) string {
	if format == "json" {
		line := eventLine{Kind: ev.Kind.String(), Remote: ev.Remote}
		switch ev.Kind {
		case document.TextInserted:
			line.Pos, line.Text = ev.Pos, ev.Text
		case document.RangeDeleted:
			line.Start, line.End = ev.Start, ev.End
		}
		data, _ := json.Marshal(line)
		return string(data)
	}

	origin := "local"
	if ev.Remote {
		origin = "remote"
	}
	switch ev.Kind {
	case document.TextInserted:
		return fmt.Sprintf("+ %d %q (%s)", ev.Pos, ev.Text, origin)
	default:
		return fmt.Sprintf("- %d %d (%s)", ev.Start, ev.End, origin)
	}
}

// lockedWriter serialises writes from the input loop and the event
// printer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
