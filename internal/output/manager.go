package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/utils"
	"golang.org/x/term"
)

// Line states, mapped to a glyph and a style.
const (
	StatePending = "pending"
	StateActive  = "active"
	StatePaused  = "warning"
	StateSuccess = "success"
	StateError   = "error"
)

type TaskOutput struct {
	ID          string
	Name        string
	Status      string
	Message     string
	Progress    string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
}

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders one line per task, plus a progress line while it runs.
// On a terminal it redraws in place; otherwise it only prints the final
// state and summary.
type Manager struct {
	out         io.Writer
	interactive bool
	outputs     map[string]*TaskOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	count       int
	displayWg   sync.WaitGroup
	stopOnce    sync.Once
}

func NewManager(out io.Writer) *Manager {
	if out == nil {
		out = os.Stdout
	}
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Manager{
		out:         out,
		interactive: interactive,
		outputs:     make(map[string]*TaskOutput),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
	}
}

func (m *Manager) Register(id, name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.outputs[id]; exists {
		return
	}
	m.count++
	m.outputs[id] = &TaskOutput{
		ID:          id,
		Name:        name,
		Status:      StatePending,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.count,
	}
}

func (m *Manager) SetName(id, name string) {
	m.update(id, func(info *TaskOutput) {
		if name != "" {
			info.Name = name
		}
	})
}

// SetMessage, SetStatus and UpdateProgress leave finished lines alone, so
// late events cannot revive them.
func (m *Manager) SetMessage(id, message string) {
	m.updateLive(id, func(info *TaskOutput) { info.Message = message })
}

func (m *Manager) SetStatus(id, status string) {
	m.updateLive(id, func(info *TaskOutput) { info.Status = status })
}

func (m *Manager) GetStatus(id string) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

// UpdateProgress replaces the task's progress line.
func (m *Manager) UpdateProgress(id string, snap progress.Snapshot) {
	m.updateLive(id, func(info *TaskOutput) {
		info.Progress = ProgressLine(snap)
	})
}

func (m *Manager) Complete(id, message string) {
	m.update(id, func(info *TaskOutput) {
		info.Progress = ""
		if message == "" {
			message = fmt.Sprintf("Completed %s", info.Name)
		}
		info.Message = message
		info.Complete = true
		info.Status = StateSuccess
	})
}

// Pause marks a line as stopped without error; it counts as unfinished.
func (m *Manager) Pause(id, message string) {
	m.update(id, func(info *TaskOutput) {
		info.Progress = ""
		info.Message = message
		info.Complete = true
		info.Status = StatePaused
	})
}

func (m *Manager) ReportError(id string, err error) {
	m.update(id, func(info *TaskOutput) {
		info.Progress = ""
		info.Complete = true
		info.Status = StateError
		info.Error = err
		info.Message = fmt.Sprintf("Failed %s", info.Name)
		m.errors = append(m.errors, ErrorReport{Name: info.Name, Error: err, Time: time.Now()})
	})
}

func (m *Manager) updateLive(id string, fn func(*TaskOutput)) {
	m.update(id, func(info *TaskOutput) {
		if !info.Complete {
			fn(info)
		}
	})
}

func (m *Manager) update(id string, fn func(*TaskOutput)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		fn(info)
		info.LastUpdated = time.Now()
	}
}

// ProgressLine renders bar, bytes, speed and ETA for one snapshot.
func ProgressLine(snap progress.Snapshot) string {
	size := "?"
	if snap.TotalSize > 0 {
		size = utils.FormatBytes(uint64(snap.TotalSize))
	}
	text := fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(max(0, snap.DownloadedSize))), size)
	return fmt.Sprintf("%s%s %s %s %s %s",
		PrintProgressBar(snap.DownloadedSize, snap.TotalSize, 30),
		debugStyle.Render(text),
		StyleSymbols["bullet"],
		debugStyle.Render(utils.FormatSpeed(snap.Speed)),
		StyleSymbols["bullet"],
		debugStyle.Render("ETA "+utils.FormatETA(snap.ETA)))
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case StateSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case StateError:
		return errorStyle.Render(StyleSymbols["fail"])
	case StatePaused:
		return warningStyle.Render(StyleSymbols["warning"])
	case StatePending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case StateSuccess:
		return successStyle.Render(message)
	case StateError:
		return errorStyle.Render(message)
	case StatePaused:
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortOutputs() (active, pending, completed []*TaskOutput) {
	all := make([]*TaskOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Index < all[j].Index })
	for _, f := range all {
		switch {
		case f.Complete:
			completed = append(completed, f)
		case f.Status == StatePending && f.Message == "":
			pending = append(pending, f)
		default:
			active = append(active, f)
		}
	}
	return active, pending, completed
}

// render draws at most maxLines lines, dropping the oldest completed tasks
// first.
func (m *Manager) render(maxLines int) []string {
	indent := strings.Repeat(" ", 2)
	streamIndent := strings.Repeat(" ", 2+4)
	active, pending, completed := m.sortOutputs()

	needed := len(pending) + len(completed)
	for _, f := range active {
		needed++
		if f.Progress != "" {
			needed++
		}
	}
	if needed > maxLines {
		keep := max(0, maxLines-(needed-len(completed)))
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	var lines []string
	for _, f := range active {
		elapsed := time.Since(f.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(f.Status), debugStyle.Render(elapsed.String()), styleMessage(f.Status, f.Message)))
		if f.Progress != "" {
			lines = append(lines, streamIndent+f.Progress)
		}
	}
	for _, f := range pending {
		lines = append(lines, fmt.Sprintf("%s%s %s", indent, m.GetStatusIndicator(f.Status), pendingStyle.Render("Waiting "+f.Name)))
	}
	if len(completed) > 10 {
		lines = append(lines, infoStyle.Render(fmt.Sprintf("%s%d downloads finished earlier ...", indent, len(completed)-8)))
		completed = completed[len(completed)-8:]
	}
	for _, f := range completed {
		total := f.LastUpdated.Sub(f.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, m.GetStatusIndicator(f.Status), debugStyle.Render(total.String()), styleMessage(f.Status, f.Message)))
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	available := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render(available)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.interactive {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.interactive {
					m.updateDisplay()
				} else {
					m.mutex.RLock()
					for _, line := range m.render(len(m.outputs) + 1) {
						fmt.Fprintln(m.out, line)
					}
					m.mutex.RUnlock()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() { close(m.doneCh) })
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Name))
		for _, line := range wrapText(fmt.Sprintf("Error: %v", report.Error), 2+4) {
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	var success, paused, failures int
	for _, info := range m.outputs {
		switch info.Status {
		case StateSuccess:
			success++
		case StatePaused:
			paused++
		case StateError:
			failures++
		}
	}
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if paused > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(fmt.Sprintf("Paused %d of %d (run haul resume to continue)", paused, len(m.outputs))))
	}
	if failures > 0 {
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
