package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iindyk/kauldron/internal/konfig"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                      `json:"valid"`
	Errors []konfig.ValidationError `json:"errors,omitempty"`
}

func (r ValidationResult) String() string {
	if r.Valid {
		return "config is valid"
	}
	out := fmt.Sprintf("config is invalid (%d error(s)):", len(r.Errors))
	for _, e := range r.Errors {
		out += "\n  " + e.Error()
	}
	return out
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a config file without running",
		Long: `Validate a trainer config file without starting a run.

Performs schema validation against the embedded CUE schema plus the
semantic checks the trainer applies at startup. Faster feedback than
launching and failing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if ferr := formatter.Error("failed to read config", err.Error()); ferr != nil {
			return ferr
		}
		return NewExitError(ExitCommandError, "failed to read config")
	}
	formatter.VerboseLog("Read %d bytes from %s", len(raw), path)

	result := ValidationResult{Valid: true}
	if errs := konfig.ValidateSchema(raw); len(errs) > 0 {
		result = ValidationResult{Valid: false, Errors: errs}
	} else if _, err := konfig.Parse(raw); err != nil {
		result = ValidationResult{
			Valid:  false,
			Errors: []konfig.ValidationError{{Message: err.Error()}},
		}
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "config validation failed")
	}
	return nil
}
