package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/leadpipe/internal/config"
	"github.com/sells-group/leadpipe/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect durable queues",
}

var queueArchiveCmd = &cobra.Command{
	Use:   "archive <queue-name>",
	Short: "List archived messages of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		msgs, err := env.Queue.ListArchived(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "queue archive")
		}
		if len(msgs) == 0 {
			fmt.Fprintln(os.Stderr, "No archived messages.")
			return nil
		}
		formatArchive(os.Stdout, msgs)
		return nil
	},
}

var queueDepthCmd = &cobra.Command{
	Use:   "depth <queue-name>",
	Short: "Print the number of messages waiting in a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Queue.Depth(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "queue depth")
		}
		fmt.Fprintln(os.Stdout, n)
		return nil
	},
}

func init() {
	queueArchiveCmd.Flags().Int("limit", 50, "max number of messages to display")

	queueCmd.AddCommand(queueArchiveCmd)
	queueCmd.AddCommand(queueDepthCmd)
	rootCmd.AddCommand(queueCmd)
}

// formatArchive writes archived messages to out.
func formatArchive(out io.Writer, msgs []queue.ArchivedMessage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tREASON\tDELIVERIES\tARCHIVED\tPAYLOAD")
	_, _ = fmt.Fprintln(w, "--\t------\t----------\t--------\t-------")
	for _, m := range msgs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			m.ID,
			m.Reason,
			m.DeliveryCount,
			m.ArchivedAt.Format("2006-01-02 15:04"),
			truncate(string(m.Payload), 60),
		)
	}
	_ = w.Flush()
}
