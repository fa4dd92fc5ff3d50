// Package cli implements batchctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/launcher"
)

// Broker is the dispatch side used by the commands. *broker.Broker satisfies it.
type Broker interface {
	Enqueue(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
	EnqueueAt(ctx context.Context, at time.Time, queue, fn string, args interface{}, kwargs map[string]interface{}) (domain.JobID, error)
	Call(ctx context.Context, queue, fn string, args interface{}, kwargs map[string]interface{}, out interface{}) error
	Job(ctx context.Context, id domain.JobID) (*domain.JobRecord, error)
	Split(ctx context.Context, id domain.JobID) ([]domain.JobID, error)
	Replay(ctx context.Context, id domain.JobID) (domain.JobID, error)
}

type Ledger interface {
	Failures(ctx context.Context, limit int64) ([]domain.JobID, error)
}

type Launcher interface {
	Generate(ctx context.Context, name string, overrides map[string]string) (launcher.Result, error)
}

type Catalog interface {
	Names() []string
}

// Deps are the components the commands act on.
type Deps struct {
	Broker      Broker
	Ledger      Ledger
	Launcher    Launcher
	Catalog     Catalog
	CallTimeout time.Duration
}

// NewRootCmd builds batchctl. deps is called once, before the first command
// runs, so that --help works without a broker.
func NewRootCmd(deps func(ctx context.Context) (Deps, error)) *cobra.Command {
	d := &Deps{}
	root := &cobra.Command{
		Use:           "batchctl",
		Short:         "Operate chunkq batches",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			got, err := deps(cmd.Context())
			if err != nil {
				return err
			}
			*d = got
			if d.CallTimeout <= 0 {
				d.CallTimeout = 5 * time.Minute
			}
			return nil
		},
	}
	root.SetOut(os.Stdout)
	root.AddCommand(
		newGenerateCmd(d),
		newSelectCmd(d),
		newCallCmd(d),
		newJobCmd(d),
		newSplitCmd(d),
		newReplayCmd(d),
		newFailuresCmd(d),
		newBatchesCmd(d),
	)
	return root
}

func newGenerateCmd(d *Deps) *cobra.Command {
	var (
		overrides map[string]string
		local     bool
		at        string
	)
	cmd := &cobra.Command{
		Use:   "generate <batch>",
		Short: "Start a run of a batch",
		Example: `  batchctl generate contract.invoice
  batchctl generate contract.invoice --set job_size=500 --set split=false
  batchctl generate pg.analyze --local
  batchctl generate pg.analyze --at 2026-01-01T02:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if local {
				res, err := d.Launcher.Generate(cmd.Context(), name, overrides)
				if err != nil {
					return err
				}
				if res.Disabled {
					cmd.Printf("%s is disabled\n", name)
					return nil
				}
				cmd.Printf("%s: %d jobs, %d records\n", name, len(res.Jobs), res.Records)
				for _, id := range res.Jobs {
					cmd.Println(id)
				}
				return nil
			}
			genArgs := domain.GenerateArgs{Batch: name, Overrides: overrides}
			var (
				id  domain.JobID
				err error
			)
			if at != "" {
				when, perr := time.Parse(time.RFC3339, at)
				if perr != nil {
					return errors.Wrap(perr, "--at")
				}
				id, err = d.Broker.EnqueueAt(cmd.Context(), when, name, domain.TaskGenerate, genArgs, nil)
			} else {
				id, err = d.Broker.Enqueue(cmd.Context(), name, domain.TaskGenerate, genArgs, nil)
			}
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&overrides, "set", nil, "override a configuration key (key=value)")
	cmd.Flags().BoolVar(&local, "local", false, "select and dispatch from this process")
	cmd.Flags().StringVar(&at, "at", "", "delay the run until this RFC 3339 time")
	return cmd
}

func newSelectCmd(d *Deps) *cobra.Command {
	var (
		date  string
		extra map[string]string
		queue string
	)
	cmd := &cobra.Command{
		Use:   "select <batch>",
		Short: "Print the ids a batch would select, computed by a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), d.CallTimeout)
			defer cancel()
			var units []domain.Unit
			err := d.Broker.Call(ctx, queue, domain.TaskSelectIDs, domain.SelectArgs{Batch: args[0], Date: date, ExtraArgs: extra}, nil, &units)
			if err != nil {
				return err
			}
			for _, u := range units {
				cmd.Println(u)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "treatment date (YYYY-MM-DD)")
	cmd.Flags().StringToStringVar(&extra, "set", nil, "extra parameter (key=value)")
	cmd.Flags().StringVar(&queue, "queue", "default", "queue of the worker answering the call")
	return cmd
}

func newCallCmd(d *Deps) *cobra.Command {
	var (
		ids   []int64
		raw   string
		queue string
	)
	cmd := &cobra.Command{
		Use:   "call <model> <method>",
		Short: "Run a registered model method on a worker and print its result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			margs := domain.MethodArgs{Model: args[0], Method: args[1], IDs: ids}
			if raw != "" {
				if !json.Valid([]byte(raw)) {
					return errors.New("--args is not valid JSON")
				}
				margs.Args = json.RawMessage(raw)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), d.CallTimeout)
			defer cancel()
			var out json.RawMessage
			if err := d.Broker.Call(ctx, queue, domain.TaskAsyncExecute, margs, nil, &out); err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&ids, "ids", nil, "record ids")
	cmd.Flags().StringVar(&raw, "args", "", "method arguments as JSON")
	cmd.Flags().StringVar(&queue, "queue", "default", "queue of the worker answering the call")
	return cmd
}

func newJobCmd(d *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Print the record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := d.Broker.Job(cmd.Context(), domain.JobID(args[0]))
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
}

func newSplitCmd(d *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "split <job>",
		Short: "Explode a job into one job per id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := d.Broker.Split(cmd.Context(), domain.JobID(args[0]))
			if err != nil {
				return err
			}
			for _, id := range jobs {
				cmd.Println(id)
			}
			return nil
		},
	}
}

func newReplayCmd(d *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job>",
		Short: "Resubmit a job unchanged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := d.Broker.Replay(cmd.Context(), domain.JobID(args[0]))
			if err != nil {
				return err
			}
			cmd.Println(id)
			return nil
		},
	}
}

func newFailuresCmd(d *Deps) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List failed jobs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := d.Ledger.Failures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, id := range ids {
				cmd.Println(id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "number of jobs to list, 0 for all")
	return cmd
}

func newBatchesCmd(d *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "batches",
		Short: "List registered batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range d.Catalog.Names() {
				cmd.Println(name)
			}
			return nil
		},
	}
}
