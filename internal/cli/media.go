package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/engine"
)

func newMediaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Play cached exercise clips",
	}
	cmd.AddCommand(newMediaURLCmd(a))
	return cmd
}

func newMediaURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url <exercise-id>",
		Short: "Print a playable file URL for a cached clip",
		Long: "Print a file:// URL for the exercise's cached clip. The URL stays valid\n" +
			"until the command is interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			handle, err := e.GetCachedMediaURL(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.ReleaseMediaURL(handle)

			if a.flags.jsonMode {
				if err := printJSON(cmd, map[string]string{"exercise": args[0], "url": handle}); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), handle)
			}
			<-ctx.Done()
			return nil
		}),
	}
}
