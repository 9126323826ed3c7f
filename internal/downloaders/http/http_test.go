package haulhttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

func testClient() *utils.HTTPClient {
	return utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second})
}

func fastRetries(t *testing.T, attempts int) {
	t.Helper()
	old := probeRetry
	probeRetry = utils.RetryPolicy{Attempts: attempts, Backoff: time.Millisecond}
	t.Cleanup(func() { probeRetry = old })
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

type recordingReporter struct {
	mu        sync.Mutex
	progress  map[int]int64
	completed map[int]bool
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{progress: make(map[int]int64), completed: make(map[int]bool)}
}

func (r *recordingReporter) ChunkProgress(index int, downloaded int64) {
	r.mu.Lock()
	r.progress[index] = downloaded
	r.mu.Unlock()
}

func (r *recordingReporter) ChunkCompleted(index int) {
	r.mu.Lock()
	r.completed[index] = true
	r.mu.Unlock()
}

func TestProbeHeadRejectedFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") != "bytes=0-0" {
			t.Errorf("unexpected range %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Range", "bytes 0-0/5000")
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), testClient(), srv.URL+"/download?id=1", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.TotalSize != 5000 || !info.SupportsRanges || info.Filename != "report.pdf" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestProbeRetriesHeadBeforeFallback(t *testing.T) {
	fastRetries(t, 3)
	var heads, gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			heads.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gets.Add(1)
		w.Header().Set("Content-Length", "100")
		w.Write(testData(100))
	}))
	defer srv.Close()

	info, err := Probe(context.Background(), testClient(), srv.URL+"/file.bin", nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if heads.Load() != 3 || gets.Load() != 1 {
		t.Errorf("expected 3 HEAD and 1 GET, got %d and %d", heads.Load(), gets.Load())
	}
	if info.TotalSize != 100 || info.SupportsRanges || info.Filename != "file.bin" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestProbeFailsWhenBothMethodsFail(t *testing.T) {
	fastRetries(t, 1)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := Probe(context.Background(), testClient(), srv.URL+"/gone", nil); !errors.Is(err, utils.ErrUnexpectedStatus) {
		t.Errorf("expected unexpected status error, got %v", err)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		ok                bool
	}{
		{"bytes 0-0/5000", 0, 0, 5000, true},
		{"bytes 100-199/*", 100, 199, -1, true},
		{"bytes 5-x/10", 0, 0, 0, false},
		{"garbage", 0, 0, 0, false},
	}
	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if (err == nil) != tt.ok {
			t.Errorf("%q: unexpected error state %v", tt.header, err)
			continue
		}
		if tt.ok && (start != tt.start || end != tt.end || total != tt.total) {
			t.Errorf("%q: got %d-%d/%d", tt.header, start, end, total)
		}
	}
}

func TestFilenameFromHeaders(t *testing.T) {
	tests := []struct {
		disposition string
		link        string
		want        string
	}{
		{`attachment; filename="a b.zip"`, "https://x/y", "a b.zip"},
		{`attachment; filename*=UTF-8''na%C3%AFve.txt`, "https://x/y", "na_ve.txt"},
		{`attachment; filename=my file.txt`, "https://x/y", "my file.txt"},
		{"", "https://x/dir/archive.tar.gz", "archive.tar.gz"},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.disposition != "" {
			h.Set("Content-Disposition", tt.disposition)
		}
		if got := FilenameFromHeaders(h, tt.link); got != tt.want {
			t.Errorf("FilenameFromHeaders(%q) = %q, want %q", tt.disposition, got, tt.want)
		}
	}
	if got := FilenameFromHeaders(http.Header{}, "https://x/"); !strings.HasPrefix(got, "download_") {
		t.Errorf("expected timestamped fallback, got %q", got)
	}
}

func TestDownloadChunkResumesFromExisting(t *testing.T) {
	data := testData(4000)
	var ranges []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dir := t.TempDir()
	chunk := types.Chunk{Index: 1, Start: 1000, End: 1999}
	if err := os.WriteFile(chunk.Path(dir), data[1000:1100], 0644); err != nil {
		t.Fatal(err)
	}
	rep := newRecordingReporter()
	if err := DownloadChunk(context.Background(), testClient(), srv.URL, nil, chunk, dir, utils.RetryPolicy{}, rep); err != nil {
		t.Fatalf("DownloadChunk: %v", err)
	}
	if len(ranges) != 1 || ranges[0] != "bytes=1100-1999" {
		t.Errorf("expected a single resumed range request, got %v", ranges)
	}
	got, _ := os.ReadFile(chunk.Path(dir))
	if !bytes.Equal(got, data[1000:2000]) {
		t.Error("chunk content mismatch")
	}
	if rep.progress[1] != 1000 || !rep.completed[1] {
		t.Errorf("unexpected reports %v %v", rep.progress, rep.completed)
	}

	// A complete chunk on disk needs no request at all.
	if err := DownloadChunk(context.Background(), testClient(), srv.URL, nil, chunk, dir, utils.RetryPolicy{}, rep); err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 {
		t.Errorf("complete chunk should be skipped, saw %v", ranges)
	}
}

func TestDownloadChunkGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	chunk := types.Chunk{Index: 0, Start: 0, End: 99}
	err := DownloadChunk(context.Background(), testClient(), srv.URL, nil, chunk, t.TempDir(), utils.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, newRecordingReporter())
	if !errors.Is(err, utils.ErrUnexpectedStatus) {
		t.Fatalf("expected status error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDownloadChunkCancelledIsNotAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunk := types.Chunk{Index: 0, Start: 0, End: 99}
	if err := DownloadChunk(ctx, testClient(), "http://127.0.0.1:1", nil, chunk, t.TempDir(), utils.RetryPolicy{}, newRecordingReporter()); err != nil {
		t.Errorf("expected nil on cancellation, got %v", err)
	}
}

func TestMergeChunks(t *testing.T) {
	data := testData(350)
	dir := filepath.Join(t.TempDir(), "out.bin.chunks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	chunks := []types.Chunk{
		{Index: 2, Start: 200, End: 299},
		{Index: 0, Start: 0, End: 99},
		{Index: 3, Start: 300, End: 349},
		{Index: 1, Start: 100, End: 199},
	}
	for _, c := range chunks {
		if err := os.WriteFile(c.Path(dir), data[c.Start:c.End+1], 0644); err != nil {
			t.Fatal(err)
		}
	}
	out := filepath.Join(filepath.Dir(dir), "out.bin")
	if err := MergeChunks(chunks, dir, out); err != nil {
		t.Fatalf("MergeChunks: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("merged content mismatch")
	}
	if utils.FileExists(dir) {
		t.Error("chunk directory should be removed after merge")
	}
}

func TestMergeChunksRejectsShortChunk(t *testing.T) {
	dir := t.TempDir()
	chunks := []types.Chunk{{Index: 0, Start: 0, End: 99}}
	if err := os.WriteFile(chunks[0].Path(dir), testData(60), 0644); err != nil {
		t.Fatal(err)
	}
	err := MergeChunks(chunks, dir, filepath.Join(t.TempDir(), "out.bin"))
	if !errors.Is(err, utils.ErrMergeSize) {
		t.Errorf("expected merge size error, got %v", err)
	}
	if !utils.FileExists(dir) {
		t.Error("chunk directory must survive a failed merge")
	}
}

func TestPerformMultiDownload(t *testing.T) {
	data := testData(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "multi.bin")
	rep := newRecordingReporter()
	err := PerformMultiDownload(context.Background(), testClient(), MultiRequest{
		URL:         srv.URL,
		Chunks:      types.SplitChunks(int64(len(data)), 4),
		ChunkDir:    out + utils.ChunkDirSuffix,
		OutputPath:  out,
		Connections: 2,
	}, rep)
	if err != nil {
		t.Fatalf("PerformMultiDownload: %v", err)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("downloaded content mismatch")
	}
	if len(rep.completed) != 4 {
		t.Errorf("expected 4 completed chunks, got %v", rep.completed)
	}
}

func TestPerformSimpleDownloadResumes(t *testing.T) {
	data := testData(5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=1000-" {
			t.Errorf("unexpected range %q", r.Header.Get("Range"))
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "simple.bin")
	if err := os.WriteFile(out, data[:1000], 0644); err != nil {
		t.Fatal(err)
	}
	var last int64
	n, err := PerformSimpleDownload(context.Background(), testClient(), SimpleRequest{
		URL: srv.URL, OutputPath: out, Offset: 1000, SupportsRanges: true,
	}, func(v int64) { last = v })
	if err != nil {
		t.Fatalf("PerformSimpleDownload: %v", err)
	}
	if n != 5000 || last != 5000 {
		t.Errorf("expected 5000 bytes reported, got %d and %d", n, last)
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, data) {
		t.Error("resumed content mismatch")
	}
}

func TestPerformSimpleDownloadRangeNotSatisfiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "simple.bin")
	if err := os.WriteFile(out, testData(10), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := PerformSimpleDownload(context.Background(), testClient(), SimpleRequest{
		URL: srv.URL, OutputPath: out, Offset: 10, SupportsRanges: true,
	}, func(int64) {})
	if !errors.Is(err, utils.ErrRangeNotSatisfiable) {
		t.Errorf("expected ErrRangeNotSatisfiable, got %v", err)
	}
}
