package cli

import (
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/satchel/internal/engine"
	"github.com/mesh-intelligence/satchel/internal/outbox"
	"github.com/mesh-intelligence/satchel/pkg/types"
)

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Queue and deliver workout writes",
	}
	cmd.AddCommand(
		newOutboxListCmd(a),
		newOutboxArchiveCmd(a),
		newOutboxUploadCmd(a),
		newOutboxDrainCmd(a),
	)
	return cmd
}

type entrySummary struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ArchiveID string `json:"archiveId"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"createdAt"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

func summarize(e *types.OutboxEntry) entrySummary {
	s := entrySummary{
		ID:        e.ID,
		Kind:      e.Kind,
		CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Attempts:  e.Attempts,
		LastError: e.LastError,
	}
	switch e.Kind {
	case types.OutboxArchiveWrite:
		if w, err := e.DecodeArchiveWrite(); err == nil {
			s.ArchiveID = w.ArchiveID
		}
	case types.OutboxMediaUpload:
		if m, err := e.DecodeMediaUpload(); err == nil {
			s.ArchiveID = m.ArchiveID
			s.Detail = fmt.Sprintf("%s %s (%s)", m.Kind, m.FileName, types.FormatBytes(int64(len(m.Data))))
		}
	}
	return s
}

func newOutboxListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List undelivered writes in delivery order",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			entries, err := e.PendingWrites(cmd.Context())
			if err != nil {
				return err
			}
			summaries := make([]entrySummary, 0, len(entries))
			for _, entry := range entries {
				summaries = append(summaries, summarize(entry))
			}
			if a.flags.jsonMode {
				return printJSON(cmd, summaries)
			}

			w := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(w, paint(w, dimStyle, "outbox is empty"))
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for i, s := range summaries {
				lastErr := s.LastError
				if lastErr != "" {
					lastErr = paint(w, errStyle, lastErr)
				}
				rows = append(rows, []string{s.ID, s.Kind, s.ArchiveID, s.Detail, ago(entries[i].CreatedAt), fmt.Sprint(s.Attempts), lastErr})
			}
			fmt.Fprint(w, renderTable(w, []string{"ID", "KIND", "ARCHIVE", "DETAIL", "QUEUED", "ATTEMPTS", "LAST ERROR"}, rows))
			return nil
		}),
	}
}

func printReport(cmd *cobra.Command, a *app, entry *types.OutboxEntry, r outbox.Report) error {
	if a.flags.jsonMode {
		out := map[string]any{"sent": r.Sent, "failed": r.Failed, "skipped": r.Skipped}
		if entry != nil {
			out["entry"] = summarize(entry)
		}
		return printJSON(cmd, out)
	}
	w := cmd.OutOrStdout()
	if entry != nil {
		s := summarize(entry)
		fmt.Fprintf(w, "Queued %s %s for archive %s\n", s.Kind, s.ID, s.ArchiveID)
	}
	switch {
	case r.Skipped:
		fmt.Fprintln(w, paint(w, dimStyle, "Remote unreachable; writes stay queued"))
	case r.Failed > 0:
		fmt.Fprintln(w, paint(w, errStyle, fmt.Sprintf("Delivered %d, %d still queued after retries", r.Sent, r.Failed)))
	default:
		fmt.Fprintln(w, paint(w, okStyle, fmt.Sprintf("Delivered %d", r.Sent)))
	}
	return nil
}

func newOutboxArchiveCmd(a *app) *cobra.Command {
	var archiveID string
	cmd := &cobra.Command{
		Use:   "archive <record.json|->",
		Short: "Queue a completed-workout archive record",
		Long: "Queue a completed-workout record (a JSON document read from a file, or stdin\n" +
			"with -) and deliver it right away if the remote is reachable.",
		Args: cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if !json.Valid(data) {
				return userErrorf("%s is not valid JSON", args[0])
			}
			e.Probe(cmd.Context())
			entry, report, err := e.RecordWorkout(cmd.Context(), archiveID, json.RawMessage(data))
			if err != nil {
				return err
			}
			return printReport(cmd, a, entry, report)
		}),
	}
	cmd.Flags().StringVar(&archiveID, "id", "", "archive id (default: generated)")
	return cmd
}

// mediaKind guesses photo or video from the file extension.
func mediaKind(fileName string) string {
	if strings.HasPrefix(mime.TypeByExtension(filepath.Ext(fileName)), "video/") {
		return types.MediaVideo
	}
	return types.MediaPhoto
}

func newOutboxUploadCmd(a *app) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "upload <archive-id> <file>",
		Short: "Queue a memory photo or video for an archive entry",
		Args:  cobra.ExactArgs(2),
		RunE: a.withEngine(func(cmd *cobra.Command, args []string, e *engine.Engine) error {
			archiveID, file := args[0], args[1]
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			if kind == "" {
				kind = mediaKind(file)
			}
			if kind != types.MediaPhoto && kind != types.MediaVideo {
				return userErrorf("--kind must be %s or %s", types.MediaPhoto, types.MediaVideo)
			}
			e.Probe(cmd.Context())
			entry, report, err := e.CaptureMedia(cmd.Context(), archiveID, filepath.Base(file), data, kind)
			if err != nil {
				return err
			}
			return printReport(cmd, a, entry, report)
		}),
	}
	cmd.Flags().StringVar(&kind, "kind", "", "photo or video (default: from the file extension)")
	return cmd
}

func newOutboxDrainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued writes now",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, _ []string, e *engine.Engine) error {
			report, err := e.SyncNow(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd, a, nil, report)
		}),
	}
}
