package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/engine"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the background sync loop until interrupted",
		Long: "Probe the remote, listen for wake messages, sweep expired routines, and\n" +
			"drain the outbox whenever the remote comes back. Stops on SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := e.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "satchel running; press Ctrl-C to stop")
			<-ctx.Done()
			return nil
		}),
	}
}
