package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/splitlab/internal/assignment"
	"github.com/inferloop/splitlab/pkg/models"
)

type AssignOptions struct {
	ExperimentID string
	Variants     []string
	Control      string
	Allocation   float64
}

// AssignmentRow is one subject's bucketing outcome
type AssignmentRow struct {
	SubjectID string  `json:"subject_id"`
	Bucket    float64 `json:"bucket"`
	Eligible  bool    `json:"eligible"`
	VariantID string  `json:"variant_id,omitempty"`
}

func NewAssignCmd(g *GlobalOptions) *cobra.Command {
	opts := &AssignOptions{}

	cmd := &cobra.Command{
		Use:   "assign [subject-id...]",
		Short: "Show which variant subjects hash into, without a server",
		Long: `Compute deterministic assignments offline. The same subject and experiment
id always hash to the same bucket the server would use.`,
		Example: `  splitlab assign --experiment checkout-2024 --variants control:50,treatment:50 user-1 user-2

  # Only 20% of subjects enter the experiment
  splitlab assign --experiment checkout-2024 --variants a:34,b:33,c:33 --control a --allocation 20 user-1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssign(g, opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.ExperimentID, "experiment", "e", "", "Experiment id (required)")
	cmd.Flags().StringSliceVar(&opts.Variants, "variants", []string{"control:50", "treatment:50"}, "Variants as id:split, in declaration order")
	cmd.Flags().StringVar(&opts.Control, "control", "", "Control variant id (default is the first variant)")
	cmd.Flags().Float64Var(&opts.Allocation, "allocation", 100, "Percentage of subjects entering the experiment")

	cmd.MarkFlagRequired("experiment")

	return cmd
}

func runAssign(g *GlobalOptions, opts *AssignOptions, subjects []string, out io.Writer) error {
	if opts.Allocation < 0 || opts.Allocation > 100 {
		return fmt.Errorf("allocation must be within [0, 100]")
	}

	variants, err := parseVariants(opts.Variants, opts.Control)
	if err != nil {
		return err
	}
	assignment.NormalizeSplits(variants)

	exp := &models.Experiment{
		ID:                opts.ExperimentID,
		TrafficAllocation: opts.Allocation,
		Variants:          variants,
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine := assignment.NewEngine(logger)

	rows := make([]AssignmentRow, 0, len(subjects))
	for _, subject := range subjects {
		row := AssignmentRow{
			SubjectID: subject,
			Bucket:    assignment.Bucket(subject, exp.ID),
			Eligible:  assignment.IsEligible(subject, exp.ID, exp.TrafficAllocation),
		}
		if row.Eligible {
			row.VariantID = engine.Assign(subject, exp).ID
		}
		rows = append(rows, row)
	}

	return g.render(out, rows, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SUBJECT\tBUCKET\tVARIANT")
		for _, row := range rows {
			variant := row.VariantID
			if !row.Eligible {
				variant = "(not in experiment)"
			}
			fmt.Fprintf(tw, "%s\t%.4f\t%s\n", row.SubjectID, row.Bucket, variant)
		}
		tw.Flush()
	})
}

func parseVariants(specs []string, control string) ([]*models.Variant, error) {
	if len(specs) < 2 {
		return nil, fmt.Errorf("at least two variants are required")
	}
	if control == "" {
		control = strings.SplitN(specs[0], ":", 2)[0]
	}

	variants := make([]*models.Variant, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	foundControl := false
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("variant %q must look like id:split", spec)
		}
		split, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || split < 0 {
			return nil, fmt.Errorf("variant %q has an invalid split", spec)
		}
		if seen[parts[0]] {
			return nil, fmt.Errorf("variant %q is listed twice", parts[0])
		}
		seen[parts[0]] = true

		isControl := parts[0] == control
		foundControl = foundControl || isControl
		variants = append(variants, &models.Variant{
			ID:           parts[0],
			Name:         parts[0],
			TrafficSplit: split,
			IsControl:    isControl,
		})
	}
	if !foundControl {
		return nil, fmt.Errorf("control variant %q is not in the variant list", control)
	}
	return variants, nil
}
