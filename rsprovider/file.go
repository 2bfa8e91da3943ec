package rsprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/tailscale/hujson"

	"github.com/ermakov-oleg/runtime-settings-go/rsentry"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
)

// fileRawEntry mirrors rsentry.RawEntry with an optional priority, since a
// JSON5 file entry may omit it and fall back to FilePriority.
type fileRawEntry struct {
	Key      string            `json:"key"`
	Priority *int64            `json:"priority"`
	Filter   map[string]string `json:"filter"`
	Value    any               `json:"value"`
}

// FileProvider reads a JSON5-with-comments array of entries from disk and
// optionally watches the file for changes with fsnotify so edits during
// development take effect without waiting for the next poll tick.
type FileProvider struct {
	Path   string
	logger log.Logger

	watcher *fsnotify.Watcher
	changes chan struct{}
}

// NewFileProvider builds a FileProvider for path. If watch is true, the
// file is monitored with fsnotify and a signal is pushed to Changes()
// whenever it is written.
func NewFileProvider(path string, watch bool, logger log.Logger) (*FileProvider, error) {
	p := &FileProvider{Path: path, logger: logger, changes: make(chan struct{}, 1)}
	if !watch {
		return p, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		// A missing file is a warning per spec.md §4.3, not a hard failure;
		// the watch simply never fires until the file appears.
		if logger != nil {
			level.Warn(logger).Log("msg", "unable to watch settings file", "path", path, "err", err)
		}
	}
	p.watcher = w

	go p.watchLoop()
	return p, nil
}

func (p *FileProvider) watchLoop() {
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case p.changes <- struct{}{}:
			default:
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			if p.logger != nil {
				level.Warn(p.logger).Log("msg", "settings file watch error", "err", err)
			}
		}
	}
}

// Changes implements ChangeNotifier.
func (p *FileProvider) Changes() <-chan struct{} { return p.changes }

// Close stops the underlying fsnotify watch, if any.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

// Load implements Provider. A missing file is a warning (empty response,
// nil error); a malformed file is a load error.
func (p *FileProvider) Load(_ context.Context, _ string) (rsstore.Response, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			if p.logger != nil {
				level.Warn(p.logger).Log("msg", "settings file not found", "path", p.Path)
			}
			return rsstore.Response{}, nil
		}
		return rsstore.Response{}, fmt.Errorf("read settings file %q: %w", p.Path, err)
	}

	standard, err := hujson.Standardize(raw)
	if err != nil {
		return rsstore.Response{}, fmt.Errorf("parse settings file %q: %w", p.Path, err)
	}

	var fileEntries []fileRawEntry
	if err := json.Unmarshal(standard, &fileEntries); err != nil {
		return rsstore.Response{}, fmt.Errorf("decode settings file %q: %w", p.Path, err)
	}

	entries := make([]rsentry.RawEntry, 0, len(fileEntries))
	for _, fe := range fileEntries {
		priority := FilePriority
		if fe.Priority != nil {
			priority = *fe.Priority
		}
		entries = append(entries, rsentry.RawEntry{
			Key:      fe.Key,
			Priority: priority,
			Filter:   fe.Filter,
			Value:    fe.Value,
		})
	}
	return rsstore.Response{Entries: entries}, nil
}
