// Package registry owns the set of tasks: it persists their records,
// rehydrates them at startup and fans their events out to listeners.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
)

// Progress is persisted at most this often per task; every other event is
// persisted as it arrives.
const persistInterval = time.Second

type Options struct {
	Store       Store
	Client      utils.HTTPDoer
	Resolver    task.URLResolver
	Settings    types.Settings
	DownloadDir string
}

type AddRequest struct {
	URL      string
	SavePath string
	Filename string
	Headers  map[string]string
}

type subscription struct {
	ch   chan task.Event
	gone chan struct{}
}

type Registry struct {
	ctx  context.Context
	opts Options
	log  zerolog.Logger

	mu       sync.RWMutex
	tasks    map[string]*task.Task
	order    []string
	settings types.Settings

	saveMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]*subscription
	nextSub int

	pumps sync.WaitGroup
}

// New loads every stored record and rebuilds its task. Runs started through
// the registry live under ctx.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry needs a store")
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	r := &Registry{
		ctx:      ctx,
		opts:     opts,
		log:      utils.GetLogger("registry"),
		tasks:    make(map[string]*task.Task),
		settings: opts.Settings,
		subs:     make(map[int]*subscription),
	}
	records, err := opts.Store.Load()
	if err != nil {
		return nil, err
	}
	forced := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if rec.Status == types.StatusDownloading {
			forced++
		}
		r.register(task.New(rec, r.taskOptions()))
	}
	r.log.Debug().Int("tasks", len(records)).Int("forcedPaused", forced).Msg("Registry rehydrated")
	if forced > 0 {
		if err := r.persist(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) taskOptions() task.Options {
	return task.Options{Client: r.opts.Client, Resolver: r.opts.Resolver, Settings: r.settings}
}

func (r *Registry) register(t *task.Task) {
	r.mu.Lock()
	r.tasks[t.ID()] = t
	r.order = append(r.order, t.ID())
	r.mu.Unlock()
	r.pumps.Add(1)
	go r.pump(t)
}

func (r *Registry) pump(t *task.Task) {
	defer r.pumps.Done()
	var lastSave time.Time
	for {
		select {
		case ev := <-t.Events():
			if ev.Kind != task.EventProgress || time.Since(lastSave) >= persistInterval {
				if err := r.persist(); err != nil {
					r.log.Error().Err(err).Str("task", ev.TaskID).Msg("Could not persist state")
				}
				lastSave = time.Now()
			}
			r.broadcast(ev)
		case <-t.Done():
			return
		}
	}
}

func (r *Registry) persist() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.opts.Store.Save(r.List())
}

// Add creates a waiting task, persists it, and starts it when AutoStart is on.
func (r *Registry) Add(req AddRequest) (types.Record, error) {
	if err := ValidateURL(req.URL); err != nil {
		return types.Record{}, err
	}
	savePath := req.SavePath
	if savePath == "" {
		savePath = r.opts.DownloadDir
	}
	rec := types.Record{
		ID:        uuid.NewString(),
		URL:       strings.TrimSpace(req.URL),
		Filename:  utils.SanitizeFilename(req.Filename),
		SavePath:  savePath,
		Status:    types.StatusWaiting,
		StartTime: time.Now(),
		Headers:   req.Headers,
	}
	r.mu.RLock()
	opts := r.taskOptions()
	autoStart := r.settings.AutoStart
	r.mu.RUnlock()
	t := task.New(rec, opts)
	r.register(t)
	if err := r.persist(); err != nil {
		return t.Record(), err
	}
	r.log.Info().Str("task", rec.ID).Str("url", rec.URL).Msg("Task added")
	if autoStart {
		if err := t.Start(r.ctx); err != nil {
			return t.Record(), err
		}
	}
	return t.Record(), nil
}

func (r *Registry) get(id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", utils.ErrTaskNotFound, id)
	}
	return t, nil
}

func (r *Registry) Start(id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	return t.Start(r.ctx)
}

func (r *Registry) Resume(id string) error {
	return r.Start(id)
}

func (r *Registry) Pause(id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

// RunSync starts the task and blocks until its run ends. When ctx is done
// first, the task is paused. A run that ends in error returns that error.
func (r *Registry) RunSync(ctx context.Context, id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if err := t.Start(r.ctx); err != nil {
		return err
	}
	finished := make(chan struct{})
	go func() {
		t.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		t.Pause()
		<-finished
	}
	rec := t.Record()
	if rec.Status == types.StatusError {
		return errors.New(rec.Error)
	}
	return nil
}

// Cancel stops the task and deletes its partial data; the record stays.
func (r *Registry) Cancel(id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	return t.Cancel()
}

// Remove forgets the task. Partial data of unfinished tasks is deleted;
// completed files stay.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", utils.ErrTaskNotFound, id)
	}
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	t.Close()
	t.RemoveArtifacts()
	r.log.Info().Str("task", id).Msg("Task removed")
	return r.persist()
}

// Retry clears an error and resumes the task.
func (r *Registry) Retry(id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if err := t.ResetError(); err != nil {
		return err
	}
	return t.Start(r.ctx)
}

// UpdateURL swaps the link of a task, pausing it first if it is running.
// Offsets are kept, so the new link must serve the same bytes.
func (r *Registry) UpdateURL(id, link string) error {
	if err := ValidateURL(link); err != nil {
		return err
	}
	t, err := r.get(id)
	if err != nil {
		return err
	}
	if t.Status() == types.StatusDownloading {
		t.Pause()
		t.Wait()
	}
	if err := t.SetURL(strings.TrimSpace(link)); err != nil {
		return err
	}
	r.log.Info().Str("task", id).Msg("Task URL updated")
	return nil
}

func (r *Registry) Get(id string) (types.Record, error) {
	t, err := r.get(id)
	if err != nil {
		return types.Record{}, err
	}
	return t.Record(), nil
}

// List returns every record in insertion order.
func (r *Registry) List() []types.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]types.Record, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.tasks[id].Record())
	}
	return records
}

// Lookup resolves a full ID or an unambiguous prefix of one.
func (r *Registry) Lookup(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", fmt.Errorf("%w: empty id", utils.ErrTaskNotFound)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tasks[prefix]; ok {
		return prefix, nil
	}
	var match string
	for _, id := range r.order {
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", utils.ErrAmbiguousID, prefix)
			}
			match = id
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", utils.ErrTaskNotFound, prefix)
	}
	return match, nil
}

// UpdateSettings applies to the next run of every task.
func (r *Registry) UpdateSettings(s types.Settings) {
	r.mu.Lock()
	r.settings = s
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()
	for _, t := range tasks {
		t.UpdateSettings(s)
	}
}

func (r *Registry) Settings() types.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings
}

// Subscribe returns a feed of every task's events. Progress events are
// dropped when the buffer is full; call the returned func to stop.
func (r *Registry) Subscribe(buffer int) (<-chan task.Event, func()) {
	sub := &subscription{ch: make(chan task.Event, buffer), gone: make(chan struct{})}
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = sub
	r.subMu.Unlock()
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(sub.gone)
		})
	}
}

func (r *Registry) broadcast(ev task.Event) {
	r.subMu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subMu.Unlock()
	for _, s := range subs {
		if ev.Kind == task.EventProgress {
			select {
			case s.ch <- ev:
			default:
			}
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.gone:
		}
	}
}

// Wait blocks until no task has a run in flight.
func (r *Registry) Wait() {
	r.mu.RLock()
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()
	for _, t := range tasks {
		t.Wait()
	}
}

// Close pauses every running task, waits for them to unwind and writes the
// final state.
func (r *Registry) Close() error {
	r.mu.RLock()
	tasks := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Close()
		}()
	}
	wg.Wait()
	r.pumps.Wait()
	return r.persist()
}

// ValidateURL accepts http, https and s3 links.
func ValidateURL(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return errors.New("URL is empty")
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("%w: %q", utils.ErrUnsupportedScheme, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid URL: missing host in %q", link)
	}
	return nil
}
