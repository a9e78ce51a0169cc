package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/aardvark/internal/core"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Out   string
	Force bool
}

// KeygenResult is the JSON payload of keygen.
type KeygenResult struct {
	Path      string `json:"path"`
	PublicKey string `json:"public_key"`
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an author key",
		Long: `Generate a new ed25519 author key.

The hex-encoded seed is written to --out with owner-only permissions and
the public key is printed. An existing key file is kept unless --force
is given.

Example:
  aardvark keygen --out ./alice.key`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "aardvark.key", "file to write the private key to")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing key file")

	return cmd
}

func runKeygen(opts *KeygenOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if !opts.Force {
		if _, err := os.Stat(opts.Out); err == nil {
			msg := fmt.Sprintf("key file already exists: %s (use --force to overwrite)", opts.Out)
			_ = formatter.Error(ErrCodeKey, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
	}

	key, err := core.GeneratePrivateKey()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate key", err)
	}
	if err := os.WriteFile(opts.Out, []byte(key.String()+"\n"), 0o600); err != nil {
		_ = formatter.Error(ErrCodeKey, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to write key", err)
	}
	formatter.VerboseLog("wrote %s", opts.Out)

	result := KeygenResult{Path: opts.Out, PublicKey: key.PublicKey().String()}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Key written to %s\n", result.Path)
	fmt.Fprintf(formatter.Writer, "  public key: %s\n", result.PublicKey)
	return nil
}

// loadKey reads a key file written by keygen.
func loadKey(path string) (core.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.PrivateKey{}, fmt.Errorf("key file not found: %s (create one with `aardvark keygen`)", path)
	}
	if err != nil {
		return core.PrivateKey{}, fmt.Errorf("read key: %w", err)
	}
	return core.ParsePrivateKey(strings.TrimSpace(string(data)))
}
