package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iindyk/kauldron/internal/checkpoint"
)

// CheckpointsOptions holds flags for the checkpoints command.
type CheckpointsOptions struct {
	*RootOptions
	Database string
	Latest   bool
}

// CheckpointList is the payload of the checkpoints command.
type CheckpointList struct {
	Checkpoints []checkpoint.StepInfo `json:"checkpoints"`
}

func (l CheckpointList) String() string {
	if len(l.Checkpoints) == 0 {
		return "no checkpoints"
	}
	lines := make([]string, 0, len(l.Checkpoints)+1)
	lines = append(lines, "STEP\tRUN TOKEN\tCREATED AT")
	for _, info := range l.Checkpoints {
		lines = append(lines, fmt.Sprintf("%d\t%s\t%s", info.Step, info.RunToken, info.CreatedAt))
	}
	return strings.Join(lines, "\n")
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List saved checkpoints",
		Long: `List the checkpoints stored in a checkpoint database.

Example:
  kauldron checkpoints --db /tmp/run/checkpoints.db
  kauldron checkpoints --db /tmp/run/checkpoints.db --latest`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to checkpoint database (required)")
	cmd.Flags().BoolVar(&opts.Latest, "latest", false, "show only the newest checkpoint")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCheckpoints(opts *CheckpointsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "checkpoint database not found", err)
	}

	// SaveEvery/finalStep are irrelevant for a read-only listing.
	coord, err := checkpoint.New(opts.Database, 1, -1)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open checkpoint database", err)
	}
	defer coord.Close()

	infos, err := coord.Steps()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list checkpoints", err)
	}
	if opts.Latest && len(infos) > 0 {
		infos = infos[len(infos)-1:]
	}

	return formatter.Success(CheckpointList{Checkpoints: infos})
}
