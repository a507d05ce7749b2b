package commands

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/splitlab/internal/lifecycle"
	"github.com/inferloop/splitlab/internal/storage/implementations/memory"
	"github.com/inferloop/splitlab/pkg/errors"
	"github.com/inferloop/splitlab/pkg/models"
)

type ValidateOptions struct {
	InputFile string
}

// ValidationReport is the output of validate
type ValidationReport struct {
	Valid      bool                           `json:"valid"`
	Errors     []errors.ValidationErrorDetail `json:"errors,omitempty"`
	Experiment *models.Experiment             `json:"experiment,omitempty"`
}

// ErrInvalidDefinition is returned when validate finds problems, after the
// report has been written
var ErrInvalidDefinition = stderrors.New("experiment definition is invalid")

func NewValidateCmd(g *GlobalOptions) *cobra.Command {
	opts := &ValidateOptions{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check an experiment definition before creating it",
		Long: `Validate a JSON experiment definition with the same defaults and rules the
server applies on create, and print the normalized experiment or every problem found.`,
		Example: `  splitlab validate --input checkout.json
  splitlab validate --input checkout.json --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), g, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.InputFile, "input", "i", "", "Experiment definition file, - for stdin (required)")
	cmd.MarkFlagRequired("input")

	return cmd
}

func runValidate(ctx context.Context, g *GlobalOptions, opts *ValidateOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var in io.Reader = os.Stdin
	if opts.InputFile != "-" {
		f, err := os.Open(opts.InputFile)
		if err != nil {
			return fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		in = f
	}

	exp := &models.Experiment{}
	if err := json.NewDecoder(in).Decode(exp); err != nil {
		return fmt.Errorf("failed to parse experiment definition: %w", err)
	}

	report, err := validateDefinition(ctx, exp)
	if err != nil {
		return err
	}

	if renderErr := g.render(out, report, func(w io.Writer) {
		if report.Valid {
			e := report.Experiment
			fmt.Fprintf(w, "Experiment %q is valid\n", e.Name)
			fmt.Fprintf(w, "  allocation %.0f%%, confidence %.0f%%, minimum sample %d\n",
				e.TrafficAllocation, e.ConfidenceLevel, e.MinimumSampleSize)
			for _, v := range e.Variants {
				marker := ""
				if v.IsControl {
					marker = " (control)"
				}
				fmt.Fprintf(w, "  variant %-16s %6.2f%%%s\n", v.ID, v.TrafficSplit, marker)
			}
			if m := e.PrimaryMetric(); m != nil {
				fmt.Fprintf(w, "  primary metric %s (%s, %s)\n", m.Name, m.Type, m.Direction)
			}
			return
		}
		fmt.Fprintf(w, "Found %d problem(s):\n", len(report.Errors))
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  %-28s %-20s %s\n", e.Field, e.Code, e.Message)
		}
	}); renderErr != nil {
		return renderErr
	}

	if !report.Valid {
		return ErrInvalidDefinition
	}
	return nil
}

// validateDefinition runs the create path against a throwaway store
func validateDefinition(ctx context.Context, exp *models.Experiment) (*ValidationReport, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.NewMemoryStorage(logger)
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	defer store.Close()

	controller, err := lifecycle.NewController(lifecycle.Options{Store: store, Logger: logger})
	if err != nil {
		return nil, err
	}

	created, err := controller.CreateExperiment(ctx, exp)
	if err == nil {
		return &ValidationReport{Valid: true, Experiment: created}, nil
	}

	var ve *errors.ValidationErrors
	if stderrors.As(err, &ve) {
		return &ValidationReport{Errors: ve.Errors}, nil
	}
	return nil, err
}
