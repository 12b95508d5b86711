package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesadapter/evaluation"
	"github.com/liamcoop/rulesadapter/situation"
)

func newEvalCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "eval [rule...]",
		Short: "Evaluate rules against the saved situation",
		Long: `Evaluate the named rules, or every rule of the file when none is given,
and print each value, whether it applies and the questions it still needs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			ws, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			names := args
			if len(names) == 0 {
				catalog, err := ws.adapter.Catalog()
				if err != nil {
					return err
				}
				names = catalog.Names()
			}

			batch, err := ws.adapter.EvaluateMany(names)
			if err != nil {
				return err
			}
			return printBatch(cmd.OutOrStdout(), opts.Format, batch)
		},
	}
}

func newSetCommand(opts *rootOptions) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "set <rule>=<value>...",
		Short: "Answer questions",
		Long: `Record answers in the saved situation. Numbers are stored as numbers,
anything else as text; use oui/non for yes/no questions and the option name
for multiple choice questions. Answers are merged into the saved situation
unless --replace is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidate, err := parseAnswers(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			ws, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			accepted, rejected, err := ws.adapter.SetSituation(candidate, situation.SetOptions{
				KeepPreviousSituation: !replace,
			})
			if err != nil {
				return err
			}
			if err := ws.save(ctx, accepted); err != nil {
				return err
			}

			for _, r := range rejected {
				fmt.Fprintf(cmd.ErrOrStderr(), "dropped %s=%s: %s\n", r.Rule, r.Value, r.Reason)
			}
			return printSituation(cmd.OutOrStdout(), opts.Format, accepted)
		},
	}

	cmd.Flags().BoolVar(&replace, "replace", false, "replace the saved situation instead of merging")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the saved situation",
		Long:  "Print the saved situation, without the answers the rules no longer accept.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			ws, err := openWorkspace(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer ws.Close()

			current, err := ws.adapter.Situation()
			if err != nil {
				return err
			}
			return printSituation(cmd.OutOrStdout(), opts.Format, current)
		},
	}
}

func newResetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Delete the saved situation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			repo, err := openRepository(opts)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Delete(ctx, opts.Session); err != nil {
				return err
			}
			if opts.Format == "json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{"reset": opts.Session})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s reset\n", opts.Session)
			return nil
		},
	}
}

// parseAnswers reads rule=value arguments. Rule names may contain spaces and
// dots; only the last '=' separates the value.
func parseAnswers(args []string) (situation.Situation, error) {
	out := situation.Situation{}
	for _, arg := range args {
		i := strings.LastIndex(arg, "=")
		if i <= 0 {
			return nil, fmt.Errorf("invalid answer %q: expected <rule>=<value>", arg)
		}
		name := strings.TrimSpace(arg[:i])
		raw := strings.TrimSpace(arg[i+1:])

		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			out[name] = situation.Number(f)
		} else {
			out[name] = situation.String(raw)
		}
	}
	return out, nil
}

func printSituation(w io.Writer, format string, s situation.Situation) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(s)
	}
	for _, name := range s.Names() {
		fmt.Fprintf(w, "%s = %s\n", name, s[name])
	}
	return nil
}

func printBatch(w io.Writer, format string, batch evaluation.BatchResult) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(batch)
	}
	for _, e := range batch {
		line := fmt.Sprintf("%s = %s", e.Rule, formatValue(e.Result.NodeValue))
		if !e.Result.IsApplicable {
			line += " (not applicable)"
		}
		if len(e.Result.MissingVariables) > 0 {
			line += " missing: " + strings.Join(e.Result.MissingVariables, ", ")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return situation.YesToken
		}
		return situation.NoToken
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
