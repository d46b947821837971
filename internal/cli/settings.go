package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/engine"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

func newEnableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Turn offline caching on",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			if err := e.SetEnabled(cmd.Context(), true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Offline caching enabled")
			return nil
		}),
	}
}

func newDisableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Turn offline caching off and delete every cached routine",
		Long: "Turn offline caching off. Every cached routine, exercise, and clip is deleted.\n" +
			"Queued workout writes are kept.",
		Args: cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			if err := e.SetEnabled(cmd.Context(), false); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Offline caching disabled; cache cleared")
			return nil
		}),
	}
}

type statusOutput struct {
	Owner         string    `json:"owner"`
	Backend       string    `json:"backend"`
	DataDir       string    `json:"dataDir"`
	Enabled       bool      `json:"enabled"`
	Online        bool      `json:"online"`
	Routines      int       `json:"routines"`
	Pinned        int       `json:"pinned"`
	Exercises     int       `json:"exercises"`
	Clips         int       `json:"clips"`
	TotalBytes    int64     `json:"totalBytes"`
	DistinctBytes int64     `json:"distinctBytes"`
	PendingWrites int       `json:"pendingWrites"`
	LastCleanupAt time.Time `json:"lastCleanupAt,omitzero"`
	RemoteBaseURL string    `json:"remote,omitempty"`
	QuotaBytes    int64     `json:"quotaBytes,omitempty"`
	TTL           string    `json:"ttl"`
}

func newStatusCmd(a *app) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cache and outbox status",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			ctx := cmd.Context()
			st, err := e.Stats(ctx)
			if err != nil {
				return err
			}
			pending, err := e.PendingWrites(ctx)
			if err != nil {
				return err
			}
			if probe {
				e.Probe(ctx)
			}
			cfg := e.Config()
			out := statusOutput{
				Owner:         cfg.OwnerID,
				Backend:       cfg.Backend,
				DataDir:       cfg.DataDir,
				Enabled:       st.Enabled,
				Online:        e.Online(),
				Routines:      st.Routines,
				Pinned:        st.Pinned,
				Exercises:     st.Exercises,
				Clips:         st.Blobs,
				TotalBytes:    st.TotalBytes,
				DistinctBytes: st.DistinctBytes,
				PendingWrites: len(pending),
				LastCleanupAt: st.LastCleanupAt,
				RemoteBaseURL: cfg.Remote.BaseURL,
				QuotaBytes:    cfg.Cache.QuotaBytes,
				TTL:           cfg.Cache.TTL.String(),
			}
			if a.flags.jsonMode {
				return printJSON(cmd, out)
			}

			w := cmd.OutOrStdout()
			online := "unknown (use --probe)"
			if probe {
				online = yesNo(w, out.Online)
			}
			quota := "none"
			if out.QuotaBytes > 0 {
				quota = types.FormatBytes(out.QuotaBytes)
			}
			rows := [][]string{
				{"owner", orDash(out.Owner)},
				{"backend", out.Backend + " (" + out.DataDir + ")"},
				{"remote", orDash(out.RemoteBaseURL)},
				{"online", online},
				{"offline caching", yesNo(w, out.Enabled)},
				{"routines", fmt.Sprintf("%d (%d pinned)", out.Routines, out.Pinned)},
				{"exercises", fmt.Sprintf("%d (%d clips)", out.Exercises, out.Clips)},
				{"storage", types.FormatBytes(out.TotalBytes) + " (" + types.FormatBytes(out.DistinctBytes) + " distinct)"},
				{"quota", quota},
				{"ttl", out.TTL},
				{"last cleanup", ago(out.LastCleanupAt)},
				{"pending writes", fmt.Sprint(out.PendingWrites)},
			}
			fmt.Fprint(w, renderTable(w, []string{"FIELD", "VALUE"}, rows))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "check whether the remote is reachable")
	return cmd
}

func newStorageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "storage [routine-id]",
		Short: "Show storage used by cached routines",
		Long: "Show the storage used by the owner's cached routines. Clips shared between\n" +
			"routines are counted once per routine in the total. With a routine id, show\n" +
			"that routine's usage only.",
		Args: cobra.MaximumNArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				n, err := e.GetRoutineStorageUsed(ctx, args[0])
				if err != nil {
					return err
				}
				if a.flags.jsonMode {
					return printJSON(cmd, map[string]any{"routine": args[0], "bytes": n})
				}
				fmt.Fprintln(cmd.OutOrStdout(), e.FormatBytes(n))
				return nil
			}

			total, err := e.GetTotalStorageUsed(ctx)
			if err != nil {
				return err
			}
			st, err := e.Stats(ctx)
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(cmd, map[string]any{"totalBytes": total, "distinctBytes": st.DistinctBytes})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s used (%s distinct across all owners)\n",
				e.FormatBytes(total), e.FormatBytes(st.DistinctBytes))
			return nil
		}),
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired routines now",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			n, err := e.CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			if a.flags.jsonMode {
				return printJSON(cmd, map[string]int{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired routine(s)\n", n)
			return nil
		}),
	}
}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify cache reference counts and orphans",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			w := cmd.OutOrStdout()
			if err := e.Verify(cmd.Context()); err != nil {
				fmt.Fprintln(w, paint(w, errStyle, "cache is inconsistent"))
				return err
			}
			fmt.Fprintln(w, paint(w, okStyle, "cache is consistent"))
			return nil
		}),
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
