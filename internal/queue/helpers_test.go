package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Witriol/tapedeck/internal/events"
	"github.com/Witriol/tapedeck/internal/model"
)

const testUnit = 10 * time.Millisecond

// scriptedDownloader runs fn for every call and tracks concurrency.
type scriptedDownloader struct {
	fn func(ctx context.Context, call int, req Request, onProgress func(model.ProgressUpdate)) (string, error)

	mu        sync.Mutex
	calls     int
	starts    []time.Time
	active    map[string]int
	maxPerID  int
	running   int
	maxActive int
}

func (d *scriptedDownloader) Download(ctx context.Context, req Request, onProgress func(model.ProgressUpdate)) (string, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.starts = append(d.starts, time.Now())
	if d.active == nil {
		d.active = map[string]int{}
	}
	d.active[req.ID]++
	d.maxPerID = max(d.maxPerID, d.active[req.ID])
	d.running++
	d.maxActive = max(d.maxActive, d.running)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.active[req.ID]--
		d.running--
		d.mu.Unlock()
	}()
	if d.fn == nil {
		return "", nil
	}
	return d.fn(ctx, call, req, onProgress)
}

func (d *scriptedDownloader) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDownloader) Starts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.starts...)
}

func (d *scriptedDownloader) MaxPerID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxPerID
}

func (d *scriptedDownloader) MaxActive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

func newTestRunner(t *testing.T, store *Store, bus *events.Bus, dl Downloader, retries int) *Runner {
	t.Helper()
	return &Runner{
		Store:          store,
		Bus:            bus,
		Downloader:     dl,
		Retries:        StaticRetries(retries),
		OutputDir:      t.TempDir(),
		BackoffUnit:    testUnit,
		HeartbeatEvery: time.Hour,
	}
}

// writeArtifact creates a file for req inside the output directory.
func writeArtifact(req Request) (string, error) {
	path := filepath.Join(req.OutputDir, req.Source+".mp4")
	return path, os.WriteFile(path, []byte("data"), 0o644)
}

// eventsFor returns buffered events on sub for id until stop matches or the
// timeout passes.
func eventsFor(t *testing.T, sub *events.Subscription, id string, stop func(events.Event) bool, timeout time.Duration) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			if ev.JobID() != id {
				continue
			}
			out = append(out, ev)
			if stop != nil && stop(ev) {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events of %s; got %d events", id, len(out))
			return out
		}
	}
}

func isTerminal(ev events.Event) bool {
	sc, ok := ev.(events.StatusChange)
	return ok && sc.Status.Terminal()
}

func statusChanges(evs []events.Event) []model.Status {
	var out []model.Status
	for _, ev := range evs {
		if sc, ok := ev.(events.StatusChange); ok {
			out = append(out, sc.Status)
		}
	}
	return out
}

func countKind(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}
