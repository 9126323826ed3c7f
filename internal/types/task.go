package types

import (
	"fmt"
	"path/filepath"
	"time"
)

type TaskStatus string

const (
	StatusWaiting     TaskStatus = "waiting"
	StatusDownloading TaskStatus = "downloading"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusCancelled   TaskStatus = "cancelled"
	StatusError       TaskStatus = "error"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transfer can happen for the task.
// An errored task is not terminal: its owner may pause or resume it.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
)

// Chunk is an inclusive byte range [Start, End] of the remote resource.
type Chunk struct {
	Index      int         `yaml:"index" json:"index"`
	Start      int64       `yaml:"start" json:"start"`
	End        int64       `yaml:"end" json:"end"`
	Downloaded int64       `yaml:"downloaded" json:"downloaded"`
	Status     ChunkStatus `yaml:"status" json:"status"`
}

func (c Chunk) Size() int64 {
	return c.End - c.Start + 1
}

// Path is the scratch file for this chunk inside a task's chunk directory.
func (c Chunk) Path(dir string) string {
	return ChunkPath(dir, c.Index)
}

func ChunkPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
}

// SplitChunks divides [0, total) into n equal ranges, the last absorbing
// the remainder. n is clamped so every chunk holds at least one byte.
func SplitChunks(total int64, n int) []Chunk {
	if total <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > total {
		n = int(total)
	}
	size := total / int64(n)
	chunks := make([]Chunk, n)
	for i := range n {
		start := int64(i) * size
		end := start + size - 1
		if i == n-1 {
			end = total - 1
		}
		chunks[i] = Chunk{Index: i, Start: start, End: end, Status: ChunkPending}
	}
	return chunks
}

// Record is the serialisable form of a task. A task is fully rebuilt from it.
type Record struct {
	ID             string            `yaml:"id" json:"id"`
	URL            string            `yaml:"url" json:"url"`
	Filename       string            `yaml:"filename" json:"filename"`
	FilePath       string            `yaml:"filePath" json:"filePath"`
	SavePath       string            `yaml:"savePath" json:"savePath"`
	TotalSize      int64             `yaml:"totalSize" json:"totalSize"`
	DownloadedSize int64             `yaml:"downloadedSize" json:"downloadedSize"`
	Status         TaskStatus        `yaml:"status" json:"status"`
	SupportsRanges bool              `yaml:"supportsRanges" json:"supportsRanges"`
	Chunks         []Chunk           `yaml:"chunks" json:"chunks"`
	Error          string            `yaml:"error,omitempty" json:"error,omitempty"`
	StartTime      time.Time         `yaml:"startTime" json:"startTime"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Derived, never read back as authoritative.
	Speed float64 `yaml:"-" json:"speed"`
	ETA   int64   `yaml:"-" json:"eta"`
}

func (r Record) ChunkDir() string {
	return r.FilePath + ".chunks"
}

func (r Record) Percentage() float64 {
	if r.TotalSize <= 0 {
		return 0
	}
	return float64(r.DownloadedSize) / float64(r.TotalSize) * 100
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r Record) Clone() Record {
	out := r
	if r.Chunks != nil {
		out.Chunks = make([]Chunk, len(r.Chunks))
		copy(out.Chunks, r.Chunks)
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Settings are the registry-wide knobs a task reads at the start of each run.
type Settings struct {
	MaxConnections int   `yaml:"max_connections" json:"maxConnections"`
	SpeedLimit     int64 `yaml:"speed_limit" json:"speedLimit"` // advertised only, not enforced
	AutoStart      bool  `yaml:"auto_start" json:"autoStart"`
}

// Connections returns the chunk count a multi-chunk run uses.
func (s Settings) Connections(hardCap int) int {
	n := s.MaxConnections
	if n <= 0 {
		n = hardCap
	}
	return min(n, hardCap)
}
