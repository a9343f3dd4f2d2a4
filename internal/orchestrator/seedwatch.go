package orchestrator

import (
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/kvmfuzz/kvmfuzz/internal/corpus"
	"github.com/kvmfuzz/kvmfuzz/internal/fuzzinput"
)

// WatchSeedDirectory watches cfg.InputDir from the moment it is started
// and feeds every regular file created or written there into the corpus
// as it lands, whatever the current mode (supplemented feature: the
// covered core only reads the input directory once at dry-run time; this
// lets an external seed producer keep contributing during DynamicMain
// without a restart). It checks the termination flag after each watcher
// event and returns once the flag is set; if the watcher fails to start,
// it logs and returns.
func (a *App) WatchSeedDirectory() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.Logger.Warn("seed watcher disabled: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(a.Config.InputDir); err != nil {
		a.Logger.Warn("seed watcher could not watch %s: %v", a.Config.InputDir, err)
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			a.ingestSeedFile(event.Name)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.Logger.Warn("seed watcher error: %v", werr)
		}
		if a.Terminated() {
			return
		}
	}
}

func (a *App) ingestSeedFile(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if int64(len(data)) > a.Config.MaxFileSize {
		data = data[:a.Config.MaxFileSize]
	}
	input := &fuzzinput.FuzzInput{Data: data, Filename: corpus.ContentHashFilename(data)}
	if a.Corpus.AddFile(input) {
		a.Metrics.FuzzInputCount.Add(1)
		a.Metrics.NewUnitsAdded.Add(1)
		a.Metrics.ObserveInputSize(int64(len(data)))
	}
}
