// statoctl is the operational CLI: offline specification validation and
// inspection of a SQLite-backed event log.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/petrijr/stato/internal/persistence"
	"github.com/petrijr/stato/pkg/spec"
)

type config struct {
	// DB is the SQLite database path, overridable with --db.
	DB string `env:"STATO_DB" envDefault:"stato.db"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg config
	root := &cobra.Command{
		Use:           "statoctl",
		Short:         "Inspect stato specifications and event logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := env.Parse(&cfg); err != nil {
				return err
			}
			if flag := cmd.Flags().Lookup("db"); flag != nil && flag.Changed {
				cfg.DB = flag.Value.String()
			}
			return nil
		},
	}
	root.PersistentFlags().String("db", "", "SQLite database path (defaults to $STATO_DB)")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newEventsCmd(&cfg))
	root.AddCommand(newTailCmd(&cfg))
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <spec.yaml>...",
		Short: "Validate specification documents without binding them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				doc, err := spec.Parse(f)
				f.Close()
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := spec.Validate(doc); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s@%s)\n", path, doc.WorkflowType, doc.Version)
			}
			return nil
		},
	}
}

func newEventsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "events <workflow-type> <instance-id>",
		Short: "Print an instance's event history in sequence order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("bad instance id: %w", err)
			}
			store, closeDB, err := openStore(cfg.DB)
			if err != nil {
				return err
			}
			defer closeDB()

			var from uint64
			for {
				events, err := store.Read(cmd.Context(), args[0], instanceID, from, 256)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					return nil
				}
				for _, ev := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "%6d  %-8s  %-30s  %s  %s\n",
						ev.Sequence, ev.Kind, ev.Type, ev.At.Format(time.RFC3339), string(ev.Payload))
					from = ev.Sequence
				}
			}
		},
	}
}

func newTailCmd(cfg *config) *cobra.Command {
	var (
		from   uint64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "tail <workflow-type>",
		Short: "Print a workflow type's event stream in append order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(cfg.DB)
			if err != nil {
				return err
			}
			defer closeDB()

			ordinal := from
			for {
				events, next, err := store.ReadAll(cmd.Context(), args[0], ordinal, 256)
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %6d  %-8s  %-30s  %s\n",
						ev.InstanceID, ev.Sequence, ev.Kind, ev.Type, ev.At.Format(time.RFC3339))
				}
				ordinal = next
				if len(events) > 0 {
					continue
				}
				if !follow {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 0, "stream position to start from")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	return cmd
}

func openStore(path string) (*persistence.SQLiteStore, func(), error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, err
	}
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
