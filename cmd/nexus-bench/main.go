// nexus-bench is a small harness driving the SDK end to end: a query, a
// topic read or write, or a coordination lock against a live cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nexus "github.com/nexusdb/nexus-go-sdk"
	"github.com/nexusdb/nexus-go-sdk/coordination"
	"github.com/nexusdb/nexus-go-sdk/topic"
	"github.com/nexusdb/nexus-go-sdk/yql"
)

var (
	flagDSN     string
	flagToken   string
	flagVerbose bool
)

func open(ctx context.Context) (*nexus.Driver, error) {
	var opts []nexus.Option
	if flagToken != "" {
		opts = append(opts, nexus.WithTokenSource(nexus.StaticToken(flagToken)))
	}
	if flagVerbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		opts = append(opts, nexus.WithLogger(logger))
	}
	return nexus.Open(ctx, flagDSN, opts...)
}

func main() {
	root := &cobra.Command{
		Use:          "nexus-bench",
		Short:        "Exercise the nexus-go-sdk against a live cluster",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagDSN, "dsn", os.Getenv("NEXUS_DSN"), "connection string (grpc(s)://host[:port]/database)")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("NEXUS_TOKEN"), "bearer token")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(queryCmd(), readCmd(), writeCmd(), lockCmd(), whoamiCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func queryCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run one statement and print its rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			tpl, err := yql.Raw(text)
			if err != nil {
				return err
			}
			res, err := d.Query().Execute(ctx, tpl.Text, tpl.Params)
			if err != nil {
				return err
			}
			for _, row := range res.Rows() {
				for i, cell := range row.Cells {
					if i > 0 {
						fmt.Print("\t")
					}
					fmt.Print(cell.Raw())
				}
				fmt.Println()
			}
			stats := d.Stats()
			fmt.Fprintf(os.Stderr, "sessions: %d total, %d idle\n", stats.Sessions.Total, stats.Sessions.Idle)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "SELECT 1", "statement text")
	return cmd
}

func readCmd() *cobra.Command {
	var (
		path     string
		consumer string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read and commit messages from a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			r := d.TopicReader(topic.ReaderOptions{
				Consumer: consumer,
				Topics:   []topic.Selector{{Path: path}},
			})
			defer r.Close()

			seen := 0
			for seen < count {
				batch, err := r.ReadBatch(ctx, count-seen, 5*time.Second)
				if err != nil {
					return err
				}
				for _, msg := range batch {
					fmt.Printf("offset=%d seqNo=%d %s\n", msg.Offset, msg.SeqNo, msg.Data)
					seen++
				}
				if len(batch) > 0 {
					if err := r.Commit(ctx, batch); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "/topic/bench", "topic path")
	cmd.Flags().StringVar(&consumer, "consumer", "nexus-bench", "consumer name")
	cmd.Flags().IntVar(&count, "count", 10, "messages to read")
	return cmd
}

func writeCmd() *cobra.Command {
	var (
		path    string
		payload string
		count   int
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write messages onto a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			w := d.TopicWriter(topic.WriterOptions{Path: path})
			defer w.CloseForce()

			for i := 0; i < count; i++ {
				res, err := w.Write(ctx, []byte(fmt.Sprintf("%s #%d", payload, i)))
				if err != nil {
					return err
				}
				fmt.Printf("seqNo=%d offset=%d\n", res[0].SeqNo, res[0].Offset)
			}
			return w.Close(ctx)
		},
	}
	cmd.Flags().StringVar(&path, "path", "/topic/bench", "topic path")
	cmd.Flags().StringVar(&payload, "payload", "hello", "message payload prefix")
	cmd.Flags().IntVar(&count, "count", 10, "messages to write")
	return cmd
}

func lockCmd() *cobra.Command {
	var (
		node string
		name string
		hold time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire a coordination lock and hold it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			session, err := d.Coordination(ctx, node, coordination.Options{Description: "nexus-bench"})
			if err != nil {
				return err
			}
			defer session.Close(ctx)

			lock, err := session.AcquireSemaphore(ctx, name, coordination.AcquireOptions{Ephemeral: true})
			if err != nil {
				return err
			}
			fmt.Printf("holding %q for %s\n", name, hold)
			select {
			case <-time.After(hold):
			case <-lock.Done():
				return fmt.Errorf("lock lost before the hold elapsed")
			}
			return lock.Release(ctx)
		},
	}
	cmd.Flags().StringVar(&node, "node", "/coordination/bench", "coordination node path")
	cmd.Flags().StringVar(&name, "name", "bench-lock", "semaphore name")
	cmd.Flags().DurationVar(&hold, "hold", 10*time.Second, "how long to hold the lock")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the authenticated identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx)
			if err != nil {
				return err
			}
			defer d.Close(ctx)

			identity, err := d.WhoAmI(ctx)
			if err != nil {
				return err
			}
			fmt.Println(identity)
			return nil
		},
	}
}
