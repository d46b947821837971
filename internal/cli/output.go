package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Color palette
var (
	accent  = lipgloss.Color("#E5A00D")
	dimGray = lipgloss.Color("#6B7280")
	green   = lipgloss.Color("#10B981")
	red     = lipgloss.Color("#EF4444")
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(accent).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(dimGray)
	okStyle     = lipgloss.NewStyle().Foreground(green)
	errStyle    = lipgloss.NewStyle().Foreground(red)
)

// styled reports whether w is a terminal worth coloring.
func styled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func paint(w io.Writer, style lipgloss.Style, s string) string {
	if !styled(w) {
		return s
	}
	return style.Render(s)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// renderTable lays rows out in left-aligned columns two spaces apart.
// Widths are measured after styling so colored cells line up.
func renderTable(w io.Writer, headers []string, rows [][]string) string {
	cells := make([][]string, 0, len(rows)+1)
	head := make([]string, len(headers))
	for i, h := range headers {
		head[i] = paint(w, headerStyle, h)
	}
	cells = append(cells, head)
	cells = append(cells, rows...)

	widths := make([]int, len(headers))
	for _, row := range cells {
		for i, c := range row {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	var b strings.Builder
	for _, row := range cells {
		for i, c := range row {
			b.WriteString(c)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ago renders t relative to now, or "-" for the zero time.
func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func yesNo(w io.Writer, v bool) string {
	if v {
		return paint(w, okStyle, "yes")
	}
	return paint(w, dimStyle, "no")
}
