package registry

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
	"testing"
	"time"

	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

func newRegistry(t *testing.T, store Store, settings types.Settings) *Registry {
	t.Helper()
	reg, err := New(context.Background(), Options{
		Store:       store,
		Client:      utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 5 * time.Second}),
		Settings:    settings,
		DownloadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func fileServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, strings.NewReader(string(data)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "downloads.yaml"))
	records, err := store.Load()
	if err != nil || len(records) != 0 {
		t.Fatalf("expected empty load, got %v, %v", records, err)
	}
	want := []types.Record{{ID: "a", URL: "https://example.com/a", Status: types.StatusPaused, Headers: map[string]string{"Cookie": "x=1"}}}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].Headers["Cookie"] != "x=1" {
		t.Errorf("unexpected records %+v", got)
	}
}

func TestRehydrateForcesDownloadingToPaused(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "downloads.yaml"))
	if err := store.Save([]types.Record{
		{ID: "running", URL: "https://example.com/a.bin", Status: types.StatusDownloading, SavePath: t.TempDir()},
		{ID: "finished", URL: "https://example.com/b.bin", Status: types.StatusCompleted},
	}); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, store, types.Settings{})

	rec, err := reg.Get("running")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != types.StatusPaused {
		t.Errorf("expected paused, got %s", rec.Status)
	}
	stored, _ := store.Load()
	for _, r := range stored {
		if r.Status == types.StatusDownloading {
			t.Errorf("record %s still stored as downloading", r.ID)
		}
	}
	if got := reg.List(); len(got) != 2 || got[0].ID != "running" || got[1].ID != "finished" {
		t.Errorf("List should keep stored order, got %+v", got)
	}
}

func TestAddPersistsWaitingTask(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "downloads.yaml"))
	reg := newRegistry(t, store, types.Settings{AutoStart: false})

	rec, err := reg.Add(AddRequest{URL: "https://example.com/file.iso", Headers: map[string]string{"Referer": "https://example.com"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rec.Status != types.StatusWaiting || rec.ID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	stored, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].ID != rec.ID || stored[0].Headers["Referer"] != "https://example.com" {
		t.Errorf("stored records %+v", stored)
	}

	if _, err := reg.Add(AddRequest{URL: "ftp://example.com/file"}); !errors.Is(err, utils.ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestRunSyncCompletesAndPersists(t *testing.T) {
	srv := fileServer(t, 3*1024*1024)
	store := NewFileStore(filepath.Join(t.TempDir(), "downloads.yaml"))
	reg := newRegistry(t, store, types.Settings{MaxConnections: 4})
	events, stop := reg.Subscribe(256)
	defer stop()

	rec, err := reg.Add(AddRequest{URL: srv.URL + "/file.bin"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := reg.RunSync(context.Background(), rec.ID); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	got, _ := reg.Get(rec.ID)
	if got.Status != types.StatusCompleted || len(got.Chunks) != 4 {
		t.Fatalf("expected completed with 4 chunks, got %s with %d", got.Status, len(got.Chunks))
	}
	if utils.FileSize(got.FilePath) != 3*1024*1024 {
		t.Errorf("unexpected output size %d", utils.FileSize(got.FilePath))
	}

	sawCompleted := false
	deadline := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case ev := <-events:
			sawCompleted = ev.Kind == task.EventCompleted && ev.TaskID == rec.ID
		case <-deadline:
			t.Fatal("no completed event delivered to subscriber")
		}
	}

	waitStored(t, store, rec.ID, types.StatusCompleted)
}

func TestConcurrentTasksClaimDistinctPaths(t *testing.T) {
	const size = 500 * 1024
	var arrived sync.WaitGroup
	arrived.Add(2)
	released := make(chan struct{})
	go func() {
		arrived.Wait()
		close(released)
	}()
	// Both servers hold their HEAD reply until the other has been asked too,
	// so the two tasks learn the same filename at the same moment.
	server := func(fill byte) *httptest.Server {
		data := bytes.Repeat([]byte{fill}, size)
		var once sync.Once
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				once.Do(arrived.Done)
				select {
				case <-released:
				case <-time.After(5 * time.Second):
				}
			}
			http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	srvA, srvB := server('A'), server('B')

	dir := t.TempDir()
	reg := newRegistry(t, NewFileStore(filepath.Join(dir, "downloads.yaml")), types.Settings{MaxConnections: 4})
	var ids []string
	for _, srv := range []*httptest.Server{srvA, srvB} {
		rec, err := reg.Add(AddRequest{URL: srv.URL + "/file.bin", SavePath: dir})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = reg.RunSync(context.Background(), id)
		}()
	}
	wg.Wait()

	paths := map[string]bool{}
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("RunSync %s: %v", id, errs[i])
		}
		got, _ := reg.Get(id)
		if got.Status != types.StatusCompleted {
			t.Fatalf("expected completed, got %s", got.Status)
		}
		paths[got.FilePath] = true
		content, err := os.ReadFile(got.FilePath)
		if err != nil {
			t.Fatal(err)
		}
		want := bytes.Repeat([]byte{"AB"[i]}, size)
		if !bytes.Equal(content, want) {
			t.Errorf("%s holds the wrong content", got.FilePath)
		}
	}
	if !paths[filepath.Join(dir, "file.bin")] || !paths[filepath.Join(dir, "file-(1).bin")] {
		t.Errorf("expected file.bin and file-(1).bin, got %v", paths)
	}
}

func waitStored(t *testing.T, store Store, id string, status types.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		records, _ := store.Load()
		for _, r := range records {
			if r.ID == id && r.Status == status {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s never stored as %s", id, status)
}

func TestUpdateURLResetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	store := NewFileStore(filepath.Join(t.TempDir(), "downloads.yaml"))
	reg := newRegistry(t, store, types.Settings{})

	rec, err := reg.Add(AddRequest{URL: srv.URL + "/gone.bin"})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.RunSync(context.Background(), rec.ID); err == nil {
		t.Fatal("expected the run to fail")
	}
	if got, _ := reg.Get(rec.ID); got.Status != types.StatusError || got.Error == "" {
		t.Fatalf("expected error status with message, got %s %q", got.Status, got.Error)
	}

	if err := reg.UpdateURL(rec.ID, "https://mirror.example.com/gone.bin"); err != nil {
		t.Fatalf("UpdateURL: %v", err)
	}
	got, _ := reg.Get(rec.ID)
	if got.Status != types.StatusPaused || got.Error != "" || got.URL != "https://mirror.example.com/gone.bin" {
		t.Errorf("unexpected record after UpdateURL: %s %q %s", got.Status, got.Error, got.URL)
	}
	waitStored(t, store, rec.ID, types.StatusPaused)
}

func TestRemoveDeletesPartialData(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "partial.bin")
	if err := os.WriteFile(out, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(out+utils.ChunkDirSuffix, 0755); err != nil {
		t.Fatal(err)
	}
	store := NewFileStore(filepath.Join(dir, "downloads.yaml"))
	if err := store.Save([]types.Record{{
		ID: "partial", URL: "https://example.com/partial.bin", FilePath: out, SavePath: dir,
		TotalSize: 100, Status: types.StatusPaused,
	}}); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, store, types.Settings{})

	if err := reg.Remove("partial"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if utils.FileExists(out) || utils.FileExists(out+utils.ChunkDirSuffix) {
		t.Error("partial data should be removed")
	}
	if _, err := reg.Get("partial"); !errors.Is(err, utils.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if stored, _ := store.Load(); len(stored) != 0 {
		t.Errorf("expected empty store, got %d records", len(stored))
	}
}

func TestLookupPrefix(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "downloads.yaml"))
	if err := store.Save([]types.Record{
		{ID: "abc123", URL: "https://example.com/1", Status: types.StatusCompleted},
		{ID: "abd456", URL: "https://example.com/2", Status: types.StatusCompleted},
	}); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, store, types.Settings{})

	tests := []struct {
		prefix string
		want   string
		err    error
	}{
		{"abc", "abc123", nil},
		{"abd456", "abd456", nil},
		{"ab", "", utils.ErrAmbiguousID},
		{"zz", "", utils.ErrTaskNotFound},
		{"", "", utils.ErrTaskNotFound},
	}
	for _, tt := range tests {
		got, err := reg.Lookup(tt.prefix)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("Lookup(%q) error = %v, expected %v", tt.prefix, err, tt.err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Lookup(%q) = %q, %v; expected %q", tt.prefix, got, err, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	for _, link := range []string{"http://a.com/x", "https://a.com", "s3://bucket/key"} {
		if err := ValidateURL(link); err != nil {
			t.Errorf("ValidateURL(%q): %v", link, err)
		}
	}
	for _, link := range []string{"", "file:///etc/passwd", "https://", "nota url"} {
		if err := ValidateURL(link); err == nil {
			t.Errorf("ValidateURL(%q) should fail", link)
		}
	}
}
