package output

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/types"
)

func TestManagerSummary(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(&buf)
	m.Register("a", "a.bin")
	m.Register("b", "b.bin")
	m.Register("c", "c.bin")
	m.StartDisplay()

	m.SetStatus("a", StateActive)
	m.UpdateProgress("a", progress.Snapshot{DownloadedSize: 50, TotalSize: 100, Speed: 10, ETA: 5})
	m.Complete("a", "")
	m.ReportError("b", errors.New("connection reset"))
	m.Pause("c", "Paused c.bin")
	m.StopDisplay()

	out := buf.String()
	for _, want := range []string{"Completed a.bin", "Completed 1 of 3", "Paused 1 of 3", "Failed 1 of 3", "connection reset"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := m.GetStatus("b"); got != StateError {
		t.Errorf("expected error status, got %s", got)
	}
	if got := m.GetStatus("missing"); got != "unknown" {
		t.Errorf("expected unknown for unregistered id, got %s", got)
	}
}

func TestProgressLine(t *testing.T) {
	line := ProgressLine(progress.Snapshot{DownloadedSize: 512, TotalSize: 1024, Speed: 2048, ETA: 5, Percentage: 50})
	for _, want := range []string{"50.0%", "512 B / 1.00 KB", "2.00 KB/s", "ETA 5s"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line missing %q: %s", want, line)
		}
	}
	unknown := ProgressLine(progress.Snapshot{DownloadedSize: 10})
	if !strings.Contains(unknown, "/ ?") || !strings.Contains(unknown, "ETA --") {
		t.Errorf("unknown size should render as ?: %s", unknown)
	}
}

func TestRecordsTable(t *testing.T) {
	out := RecordsTable([]types.Record{
		{ID: "0123456789abcdef", URL: "https://example.com/file.iso", Filename: "file.iso", Status: types.StatusPaused, TotalSize: 2048, DownloadedSize: 1024, StartTime: time.Now()},
		{ID: "fedcba", URL: "https://example.com/other.bin", Status: types.StatusWaiting},
	})
	for _, want := range []string{"01234567", "paused", "50.0%", "file.iso", "fedcba", "other.bin", "waiting"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789") {
		t.Error("ids should be shortened")
	}
}
