package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesadapter/adapter"
	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/migrations"
	"github.com/liamcoop/rulesadapter/notify"
	"github.com/liamcoop/rulesadapter/rules"
	"github.com/liamcoop/rulesadapter/situation"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Rules   string
	DB      string
	Session string
	Format  string // "json" | "text"
	Events  bool
	Timeout time.Duration
}

var validFormats = []string{"text", "json"}

// newRootCommand creates the root command.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "situation",
		Short: "Answer questions and evaluate rules from the command line",
		Long: `Evaluate a YAML rule file against a situation stored in a local SQLite
database. Answers are validated against the rules before they are saved:
unknown rules and unknown options are dropped with a warning.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}

			// Logs go to stderr so they never corrupt JSON output
			logger.SetOutput(cmd.ErrOrStderr())
			if os.Getenv("LOG_LEVEL") == "" {
				logger.SetLevel(logger.LevelWarning)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVarP(&opts.Rules, "rules", "r", "", "YAML rule file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "situation.db", "SQLite situation database")
	cmd.PersistentFlags().StringVarP(&opts.Session, "session", "s", "default", "session to read and update")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.Events, "events", false, "print notifications to stderr")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "maximum time to compile the rules")

	// Add subcommands
	cmd.AddCommand(newEvalCommand(opts))
	cmd.AddCommand(newSetCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newResetCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

// workspace is an adapter restored from the database, for one command.
type workspace struct {
	opts    *rootOptions
	adapter *adapter.Adapter
	repo    *situation.SQLiteRepository
}

func openRepository(opts *rootOptions) (*situation.SQLiteRepository, error) {
	if err := migrations.UpSQLite(opts.DB); err != nil {
		return nil, err
	}
	return situation.OpenSQLite(opts.DB)
}

// openWorkspace compiles the rules while the saved situation is loaded, then
// waits for the adapter.
func openWorkspace(ctx context.Context, opts *rootOptions, errOut io.Writer) (*workspace, error) {
	if opts.Rules == "" {
		return nil, errors.New("--rules is required")
	}

	defs, err := rules.LoadYAMLFile(opts.Rules)
	if err != nil {
		return nil, err
	}

	repo, err := openRepository(opts)
	if err != nil {
		return nil, err
	}

	initial := situation.Situation{}
	rec, err := repo.Load(ctx, opts.Session)
	switch {
	case err == nil:
		initial = rec.Situation
	case !errors.Is(err, situation.ErrRecordNotFound):
		repo.Close()
		return nil, err
	}

	a := adapter.NewAsync(defs, initial)

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := a.Wait(waitCtx); err != nil {
		repo.Close()
		return nil, err
	}

	if opts.Events {
		enc := json.NewEncoder(errOut)
		a.Attach(notify.Func(func(e notify.Event) {
			_ = enc.Encode(e)
		}))
	}

	return &workspace{opts: opts, adapter: a, repo: repo}, nil
}

func (w *workspace) save(ctx context.Context, s situation.Situation) error {
	return w.repo.Save(ctx, &situation.Record{
		SessionID: w.opts.Session,
		RulesetID: filepath.Base(w.opts.Rules),
		Situation: s,
	})
}

func (w *workspace) Close() error {
	return w.repo.Close()
}
