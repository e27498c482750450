package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/halverson/rolodex/internal/ingest"
)

// Watcher ingests batch files dropped into a spool directory. Each file is a
// JSON document {"source": ..., "records": [...]}; processed files are
// renamed with a .done suffix, failed ones with .err so they are not retried
// in a loop.
type Watcher struct {
	Dir      string
	Pipeline *ingest.Pipeline
	Debounce time.Duration
	Logf     func(format string, args ...any)
}

func New(dir string, pipeline *ingest.Pipeline) *Watcher {
	return &Watcher{
		Dir:      dir,
		Pipeline: pipeline,
		Debounce: 2 * time.Second,
		Logf:     log.Printf,
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

// Run watches the spool directory until the context is cancelled. Files
// already present at startup are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}

	w.logf("Watching spool directory %s (debounce: %s)", w.Dir, w.Debounce)

	if n, err := w.ProcessDir(ctx); err != nil {
		w.logf("spool: initial scan: %v", err)
	} else if n > 0 {
		w.logf("spool: ingested %d batch file(s) on startup", n)
	}

	var debounceTimer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.Debounce)
			} else {
				debounceTimer.Reset(w.Debounce)
			}
			timerC = debounceTimer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logf("spool: watch error: %v", err)
		case <-timerC:
			timerC = nil
			if n, err := w.ProcessDir(ctx); err != nil {
				w.logf("spool: %v", err)
			} else if n > 0 {
				w.logf("spool: ingested %d batch file(s)", n)
			}
		}
	}
}

// ProcessDir ingests every pending .json batch file in the spool directory,
// oldest name first. Returns the number of files successfully ingested.
func (w *Watcher) ProcessDir(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return 0, fmt.Errorf("read spool dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	processed := 0
	for _, name := range names {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}

		path := filepath.Join(w.Dir, name)
		counters, err := w.ingestFile(ctx, path)
		if err != nil {
			w.logf("spool: %s failed: %v", name, err)
			if renameErr := os.Rename(path, path+".err"); renameErr != nil {
				w.logf("spool: mark %s failed: %v", name, renameErr)
			}
			continue
		}

		w.logf("spool: %s: accepted=%d upserts=%d deletes=%d conflicts=%d skipped=%d",
			name, counters.Accepted, counters.Upserts, counters.Deletes, counters.Conflicts, counters.Skipped)
		if err := os.Rename(path, path+".done"); err != nil {
			w.logf("spool: mark %s done: %v", name, err)
		}
		processed++
	}
	return processed, nil
}

func (w *Watcher) ingestFile(ctx context.Context, path string) (ingest.Counters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Counters{}, fmt.Errorf("read batch file: %w", err)
	}

	var batch ingest.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return ingest.Counters{}, fmt.Errorf("parse batch file: %w", err)
	}
	return w.Pipeline.UpsertBatch(ctx, batch.Source, batch.Records)
}
