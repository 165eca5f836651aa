package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 25 * time.Millisecond

// Watcher monitors configuration sources and invokes a callback whenever they
// change. Stop must be called to release filesystem resources.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchProcessors wires fsnotify around the processors file or folder and
// rebuilds the bundle on any relevant change. cfg should come from Load so
// InlineProcessors is populated. onChange runs once with the initial bundle
// before WatchProcessors returns.
func (l *Loader) WatchProcessors(ctx context.Context, cfg Config, onChange func(ProcessorBundle), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch processors requires a change callback")
	}
	source := cfg.Server.Processors
	if source.ProcessorsFile == "" && source.ProcessorsFolder == "" {
		return nil, errors.New("config: no processors source configured for watching")
	}
	inline := cloneProcessorMap(cfg.InlineProcessors)

	bundle, err := BuildProcessorBundle(ctx, inline, source)
	if err != nil {
		return nil, err
	}
	onChange(bundle)

	target := watchTarget{file: source.ProcessorsFile, folder: source.ProcessorsFolder}
	return startWatch(ctx, target, func(watchCtx context.Context) {
		bundle, err := BuildProcessorBundle(watchCtx, inline, source)
		if err != nil {
			if !errors.Is(err, context.Canceled) && onError != nil {
				onError(err)
			}
			return
		}
		onChange(bundle)
	}, onError)
}

// WatchQueue reloads the queue section whenever the main configuration file
// changes. Invalid edits are reported through onError and leave the previous
// policy in place.
func (l *Loader) WatchQueue(ctx context.Context, onChange func(QueueConfig), onError func(error)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch queue requires a change callback")
	}
	files := l.Files()
	if len(files) == 0 {
		return nil, errors.New("config: no configuration file to watch")
	}
	return startWatch(ctx, watchTarget{file: files[len(files)-1]}, func(watchCtx context.Context) {
		queue, err := l.LoadQueue(watchCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && onError != nil {
				onError(err)
			}
			return
		}
		onChange(queue)
	}, onError)
}

type watchTarget struct {
	file   string
	folder string
}

func startWatch(ctx context.Context, target watchTarget, reload func(context.Context), onError func(error)) (*Watcher, error) {
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch: %w", err)
	}

	done := make(chan struct{})
	watch := &Watcher{cancel: cancel, done: done}
	ready := make(chan struct{})
	var readyOnce sync.Once
	signalReady := func() { readyOnce.Do(func() { close(ready) }) }

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil {
				report(fmt.Errorf("config: watch close: %w", err))
			}
		}()
		defer signalReady()

		var reloadMu sync.Mutex
		runReload := func() {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			reload(watchCtx)
		}

		dirs := map[string]struct{}{}
		addDir := func(dir string) {
			dir = filepath.Clean(dir)
			if _, ok := dirs[dir]; ok {
				return
			}
			if err := watcher.Add(dir); err != nil {
				report(fmt.Errorf("config: watch add %s: %w", dir, err))
				return
			}
			dirs[dir] = struct{}{}
		}

		// Editors replace files by rename, so the parent directory is watched
		// rather than the file itself.
		targetFile := ""
		if target.file != "" {
			resolved := target.file
			if abs, err := filepath.Abs(target.file); err == nil {
				resolved = abs
			}
			targetFile = filepath.Clean(resolved)
			addDir(filepath.Dir(targetFile))
		} else {
			root := target.folder
			if abs, err := filepath.Abs(target.folder); err == nil {
				root = abs
			}
			if err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
				if walkErr != nil {
					report(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
					return nil
				}
				if d.IsDir() {
					addDir(path)
				}
				return nil
			}); err != nil {
				report(fmt.Errorf("config: traverse watcher %s: %w", root, err))
			}
		}

		signalReady()

		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(watchDebounce)
			} else {
				reloadTimer.Stop()
				reloadTimer.Reset(watchDebounce)
			}
			reloadSignal = reloadTimer.C
		}
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				runReload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Clean(event.Name)
				if targetFile != "" {
					if name != targetFile {
						continue
					}
					if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
						report(fmt.Errorf("config: watched file %s removed", targetFile))
					}
					if event.Op&relevant != 0 {
						scheduleReload()
					}
					continue
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(name); err == nil && info.IsDir() {
						addDir(name)
						continue
					}
				}
				if !isSupportedConfigFile(name) || event.Op&relevant == 0 {
					continue
				}
				scheduleReload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				report(fmt.Errorf("config: watch error: %w", err))
			}
		}
	}()

	<-ready
	return watch, nil
}
