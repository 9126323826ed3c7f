package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
	"golang.org/x/term"
)

func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
		current = 0
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

// RecordsTable renders task records for `haul list`.
func RecordsTable(records []types.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		size := "?"
		if rec.TotalSize > 0 {
			size = utils.FormatBytes(uint64(rec.TotalSize))
		}
		name := rec.Filename
		if name == "" {
			name = utils.FilenameFromURL(rec.URL)
		}
		rows = append(rows, []string{
			shortID(rec.ID),
			string(rec.Status),
			fmt.Sprintf("%.1f%%", rec.Percentage()),
			size,
			name,
			rec.StartTime.Local().Format(time.DateTime),
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(streamStyle).
		Headers("ID", "STATUS", "DONE", "SIZE", "FILE", "ADDED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == 1 && row >= 0 && row < len(rows) {
				return statusStyle(types.TaskStatus(rows[row][1])).Padding(0, 1)
			}
			return style
		})
	return t.String()
}

func statusStyle(status types.TaskStatus) lipgloss.Style {
	switch status {
	case types.StatusCompleted:
		return successStyle
	case types.StatusError:
		return errorStyle
	case types.StatusPaused, types.StatusCancelled:
		return warningStyle
	case types.StatusDownloading:
		return infoStyle
	default:
		return pendingStyle
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// PrintRecord writes the details of one task for `haul list ID`.
func PrintRecord(w io.Writer, rec types.Record) {
	field := func(k, v string) {
		fmt.Fprintf(w, "  %s %s\n", detailStyle.Render(fmt.Sprintf("%-12s", k)), v)
	}
	field("id", rec.ID)
	field("url", rec.URL)
	field("status", statusStyle(rec.Status).Render(string(rec.Status)))
	field("file", rec.FilePath)
	field("downloaded", fmt.Sprintf("%s / %s (%.1f%%)", utils.FormatBytes(uint64(rec.DownloadedSize)), utils.FormatBytes(uint64(rec.TotalSize)), rec.Percentage()))
	field("ranges", fmt.Sprint(rec.SupportsRanges))
	if len(rec.Chunks) > 0 {
		done := 0
		for _, c := range rec.Chunks {
			if c.Status == types.ChunkCompleted {
				done++
			}
		}
		field("chunks", fmt.Sprintf("%d of %d complete", done, len(rec.Chunks)))
	}
	if rec.Error != "" {
		field("error", errorStyle.Render(rec.Error))
	}
}

func getTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}

func wrapText(text string, indent int) []string {
	maxWidth := getTerminalWidth() - indent - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	width := 0
	for _, r := range text {
		if width+1 > maxWidth {
			lines = append(lines, current.String())
			current.Reset()
			width = 0
		}
		current.WriteRune(r)
		width++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
