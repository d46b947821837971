package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/engine"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

func newRoutinesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "routines",
		Aliases: []string{"routine"},
		Short:   "Manage cached routines",
	}
	cmd.AddCommand(
		newRoutinesListCmd(a),
		newRoutinesCacheCmd(a),
		newRoutinesShowCmd(a),
		newRoutineActionCmd(a, "uncache", "Remove a routine and the exercises only it used", "Uncached",
			func(ctx context.Context, e *engine.Engine, id string) error { return e.UncacheRoutine(ctx, id) }),
		newRoutineActionCmd(a, "pin", "Keep a routine cached until unpinned", "Pinned",
			func(ctx context.Context, e *engine.Engine, id string) error { return e.PinRoutine(ctx, id, true) }),
		newRoutineActionCmd(a, "unpin", "Let a routine expire after the TTL", "Unpinned",
			func(ctx context.Context, e *engine.Engine, id string) error { return e.PinRoutine(ctx, id, false) }),
		newRoutineActionCmd(a, "refresh", "Restart a routine's expiry window", "Refreshed",
			func(ctx context.Context, e *engine.Engine, id string) error { return e.RefreshRoutineExpiry(ctx, id) }),
	)
	return cmd
}

// routineNames adapts cached routines to fuzzy.Source.
type routineNames []*types.CachedRoutine

func (r routineNames) String(i int) string { return strings.ToLower(r[i].Snapshot.Name) }
func (r routineNames) Len() int            { return len(r) }

// filterRoutines keeps the routines whose name fuzzily matches query, best
// match first. An empty query keeps everything in order.
func filterRoutines(routines []*types.CachedRoutine, query string) []*types.CachedRoutine {
	if query == "" {
		return routines
	}
	matches := fuzzy.FindFrom(strings.ToLower(query), routineNames(routines))
	out := make([]*types.CachedRoutine, 0, len(matches))
	for _, m := range matches {
		out = append(out, routines[m.Index])
	}
	return out
}

func expiry(r *types.CachedRoutine) string {
	if r.Pinned || r.ExpiresAt == nil {
		return "never"
	}
	if r.ExpiresAt.Before(time.Now()) {
		return "expired"
	}
	return ago(*r.ExpiresAt)
}

func newRoutinesListCmd(a *app) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached routines, newest first",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			routines, err := e.GetAllCachedRoutines(cmd.Context())
			if err != nil {
				return err
			}
			routines = filterRoutines(routines, filter)
			if a.flags.jsonMode {
				return printJSON(cmd, routines)
			}

			w := cmd.OutOrStdout()
			if len(routines) == 0 {
				fmt.Fprintln(w, paint(w, dimStyle, "no cached routines"))
				return nil
			}
			rows := make([][]string, 0, len(routines))
			for _, r := range routines {
				rows = append(rows, []string{
					r.ID,
					r.Snapshot.Name,
					fmt.Sprint(len(r.ExerciseIDs)),
					yesNo(w, r.Pinned),
					expiry(r),
					e.FormatBytes(r.SizeBytes),
					ago(r.CachedAt),
				})
			}
			fmt.Fprint(w, renderTable(w, []string{"ID", "NAME", "EXERCISES", "PINNED", "EXPIRES", "SIZE", "CACHED"}, rows))
			return nil
		}),
	}
	cmd.Flags().StringVar(&filter, "filter", "", "fuzzy match on routine name")
	return cmd
}

func newRoutinesCacheCmd(a *app) *cobra.Command {
	var pin bool
	cmd := &cobra.Command{
		Use:   "cache <routine-id>",
		Short: "Download a routine, its exercises, and clips for offline use",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			// Caching runs to completion once started, even if interrupted.
			ctx := context.WithoutCancel(cmd.Context())
			r, err := e.CacheRoutineByID(ctx, args[0], pin)
			if err != nil {
				return err
			}
			if r == nil {
				return userErrorf("offline caching is disabled; run satchel enable first")
			}
			if a.flags.jsonMode {
				return printJSON(cmd, r)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %s (%s, %d exercises, %s)\n",
				r.ID, r.Snapshot.Name, len(r.ExerciseIDs), e.FormatBytes(r.SizeBytes))
			return nil
		}),
	}
	cmd.Flags().BoolVar(&pin, "pin", false, "pin the routine so it never expires")
	return cmd
}

type routineDetail struct {
	*types.CachedRoutine
	Clips map[string]bool `json:"clips"`
}

func newRoutinesShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <routine-id>",
		Short: "Show a cached routine",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			ctx := cmd.Context()
			r, err := e.GetCachedRoutine(ctx, args[0])
			if err != nil {
				return err
			}
			detail := routineDetail{CachedRoutine: r, Clips: make(map[string]bool)}
			for _, id := range r.ExerciseIDs {
				handle, err := e.GetCachedMediaURL(ctx, id)
				switch {
				case err == nil:
					detail.Clips[id] = true
					_ = e.ReleaseMediaURL(handle)
				case errors.Is(err, types.ErrNotFound):
					detail.Clips[id] = false
				default:
					return err
				}
			}
			if a.flags.jsonMode {
				return printJSON(cmd, detail)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s  %s\n", paint(w, headerStyle, r.Snapshot.Name), paint(w, dimStyle, r.ID))
			fmt.Fprintf(w, "owner %s, cached %s, refreshed %s, expires %s, %s\n",
				r.OwnerID, ago(r.CachedAt), ago(r.RefreshedAt), expiry(r), e.FormatBytes(r.SizeBytes))
			rows := make([][]string, 0, len(r.ExerciseIDs))
			for _, id := range r.ExerciseIDs {
				rows = append(rows, []string{id, yesNo(w, detail.Clips[id])})
			}
			fmt.Fprint(w, renderTable(w, []string{"EXERCISE", "CLIP"}, rows))
			return nil
		}),
	}
}

func newRoutineActionCmd(a *app, use, short, done string, action func(ctx context.Context, e *engine.Engine, id string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <routine-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			if err := action(cmd.Context(), e, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		}),
	}
}
