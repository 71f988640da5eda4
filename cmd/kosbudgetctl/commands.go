package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"kosbudget/internal/allocation"
	"kosbudget/internal/core"
	"kosbudget/internal/scoring"
	"kosbudget/internal/services"
)

type rootOptions struct {
	user string
	open opener
}

// run opens the engine, hands it to fn and closes it afterwards.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	return fn(ctx, e)
}

func newRootCmd(open opener) *cobra.Command {
	opts := &rootOptions{open: open}

	root := &cobra.Command{
		Use:           "kosbudgetctl",
		Short:         "Plan a monthly budget by category priority",
		Long:          amountHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", os.Getenv("KOSBUDGET_USER"), "user id (default $KOSBUDGET_USER)")

	root.AddCommand(budgetCmd(opts))
	root.AddCommand(categoryCmd(opts))
	root.AddCommand(expenseCmd(opts))
	root.AddCommand(recalcCmd(opts))
	root.AddCommand(summaryCmd(opts))
	root.AddCommand(previewCmd())
	root.AddCommand(scoreCmd())
	return root
}

func printMutation(w io.Writer, res services.MutationResult) {
	fmt.Fprintln(w, res.Message)
	fmt.Fprintln(w, res.Recalc.Message())
}

const amountHelp = `Plan a monthly budget by category priority.

Amounts use a dot or a comma as the decimal separator with at most two
decimals ("12.50", "12,5"). Group thousands with spaces or underscores
("1 000 000", "1_000_000"); "50,000" is rejected.`

func budgetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage the current month's budget",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <amount>",
		Short: "Set the budget for the current month",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := core.ParseAmount(args[0])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				res, err := e.planner.SetBudget(ctx, opts.user, amount)
				if err != nil {
					return err
				}
				printMutation(cmd.OutOrStdout(), res)
				return nil
			})
		},
	})
	return cmd
}

type ratingFlags struct {
	priority, urgency, frequency, impact int
}

func (f *ratingFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.priority, "priority", "p", 3, "priority rating (1-5)")
	cmd.Flags().IntVar(&f.urgency, "urgency", 3, "urgency rating (1-5)")
	cmd.Flags().IntVar(&f.frequency, "frequency", 3, "frequency rating (1-5)")
	cmd.Flags().IntVar(&f.impact, "impact", 3, "impact rating (1-5)")
}

func (f *ratingFlags) input(name string) core.CategoryInput {
	return core.CategoryInput{
		Name:      name,
		Priority:  f.priority,
		Urgency:   f.urgency,
		Frequency: f.frequency,
		Impact:    f.impact,
	}
}

func categoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "category",
		Aliases: []string{"categories"},
		Short:   "Manage categories",
	}

	var add ratingFlags
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				res, err := e.planner.CreateCategory(ctx, opts.user, add.input(args[0]))
				if err != nil {
					return err
				}
				printMutation(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	add.register(addCmd)

	var save ratingFlags
	saveCmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Create or update a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				res, err := e.planner.SaveCategory(ctx, opts.user, save.input(args[0]))
				if err != nil {
					return err
				}
				printMutation(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	save.register(saveCmd)

	var all bool
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List active categories, or every category with --all",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				var cats []core.Category
				if all {
					var err error
					if cats, err = e.planner.AllCategories(ctx, opts.user); err != nil {
						return err
					}
				} else {
					d, err := e.planner.Dashboard(ctx, opts.user)
					if err != nil {
						return err
					}
					cats = d.Categories
				}
				if len(cats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No categories yet. Use 'kosbudgetctl category add' to create one.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tP\tU\tF\tI\tDECISION\tALLOCATION\tSTATUS")
				for _, c := range cats {
					status := "active"
					if !c.Active {
						status = "deleted"
					}
					fmt.Fprintf(tw, "%s\t%.0f\t%.0f\t%.0f\t%.0f\t%.1f%%\t%s\t%s\n",
						c.Name, c.Priority, c.Urgency, c.Frequency, c.Impact,
						scoring.DecisionScorePercent(c.Urgency, c.Frequency, c.Impact),
						c.Allocation, status)
				}
				return tw.Flush()
			})
		},
	}
	listCmd.Flags().BoolVarP(&all, "all", "a", false, "include soft-deleted categories")

	cmd.AddCommand(addCmd, saveCmd,
		&cobra.Command{
			Use:     "delete <name>",
			Aliases: []string{"rm"},
			Short:   "Delete a category and redistribute the budget",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(ctx context.Context, e *engine) error {
					res, err := e.planner.DeleteCategory(ctx, opts.user, args[0])
					if err != nil {
						return err
					}
					printMutation(cmd.OutOrStdout(), res)
					return nil
				})
			},
		},
		listCmd,
	)
	return cmd
}

func expenseCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Record spending",
	}

	var note string
	addCmd := &cobra.Command{
		Use:   "add <category> <amount>",
		Short: "Record an expense against a category",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := core.ParseAmount(args[1])
			if err != nil {
				return err
			}
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				res, err := e.planner.AddExpense(ctx, opts.user, services.ExpenseInput{
					CategoryName: args[0],
					Amount:       amount,
					Note:         note,
				})
				if err != nil {
					return err
				}
				printMutation(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	addCmd.Flags().StringVarP(&note, "note", "n", "", "optional note")
	cmd.AddCommand(addCmd)
	return cmd
}

func recalcCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalc",
		Short: "Recalculate allocations for the current month now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				res, _ := e.recalc.Trigger(ctx, opts.user, services.TriggerManual)
				fmt.Fprintln(cmd.OutOrStdout(), res.Message())
				return nil
			})
		},
	}
}

func summaryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "summary",
		Aliases: []string{"dashboard"},
		Short:   "Show allocation against spending for the current month",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, e *engine) error {
				e.recalc.RecalculateIfStale(ctx, opts.user)
				d, err := e.planner.Dashboard(ctx, opts.user)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !d.HasBudget {
					fmt.Fprintf(out, "No budget set for %s. Use 'kosbudgetctl budget set <amount>'.\n", d.Month)
					return nil
				}

				fmt.Fprintf(out, "%s  budget %s  allocated %s  spent %s  remaining %s\n",
					d.Month, d.Budget, d.Summary.TotalAllocated, d.Summary.TotalSpent, d.Summary.Remaining)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tALLOCATION\tSPENT\tLEFT\tUSED")
				for _, l := range d.Summary.Lines {
					flag := ""
					if l.OverBudget {
						flag = " over"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%%s\n", l.Name, l.Allocation, l.Spent, l.Left, l.UsedPercent, flag)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if d.ZeroAllocations > 0 {
					fmt.Fprintf(out, "%d categories are waiting for a recalculation\n", d.ZeroAllocations)
				}
				return nil
			})
		},
	}
}

// parseCategorySpec reads NAME:PRIORITY:URGENCY:FREQUENCY:IMPACT.
func parseCategorySpec(spec string) (core.CategoryInput, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 5 {
		return core.CategoryInput{}, fmt.Errorf("category %q: want NAME:PRIORITY:URGENCY:FREQUENCY:IMPACT", spec)
	}
	var ratings [4]int
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return core.CategoryInput{}, fmt.Errorf("category %q: %w", spec, core.ErrInvalidRating)
		}
		ratings[i] = n
	}
	return core.CategoryInput{
		Name:      parts[0],
		Priority:  ratings[0],
		Urgency:   ratings[1],
		Frequency: ratings[2],
		Impact:    ratings[3],
	}, nil
}

func previewCmd() *cobra.Command {
	var (
		budget string
		specs  []string
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Compute allocations for hypothetical categories without saving",
		Example: `  kosbudgetctl preview --budget 1000000 \
    --category Food:5:5:5:5 --category Fun:1:1:1:1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := core.ParseAmount(budget)
			if err != nil {
				return err
			}
			inputs := make([]core.CategoryInput, 0, len(specs))
			for _, s := range specs {
				in, err := parseCategorySpec(s)
				if err != nil {
					return err
				}
				inputs = append(inputs, in)
			}

			// Preview never touches a store, so no engine is opened.
			allocations, err := services.NewPlanner(nil, nil).Preview(amount, inputs)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(allocations))
			for name := range allocations {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%s\n", name, allocations[name])
			}
			fmt.Fprintf(tw, "TOTAL\t%s\n", allocation.Total(allocations))
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&budget, "budget", "b", "", "budget to distribute")
	cmd.Flags().StringArrayVarP(&specs, "category", "c", nil, "category as NAME:P:U:F:I, repeatable")
	_ = cmd.MarkFlagRequired("budget")
	return cmd
}

func scoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <urgency> <frequency> <impact>",
		Short: "Print the decision percentage for three ratings",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r [3]float64
			for i, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil || n < core.MinRating || n > core.MaxRating {
					return fmt.Errorf("%q: %w", a, core.ErrInvalidRating)
				}
				r[i] = float64(n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.1f%%\n", scoring.DecisionScorePercent(r[0], r[1], r[2]))
			return nil
		},
	}
}
