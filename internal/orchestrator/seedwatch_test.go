package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kvmfuzz/kvmfuzz/internal/cliapp"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
)

// Supplemented feature: a file dropped into the input directory after
// startup is picked up and added to the dynamic corpus without a
// restart.
func TestWatchSeedDirectoryIngestsNewFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := &cliapp.Config{InputDir: dir, OutputDir: dir, CrashDir: dir, Jobs: 1, MaxFileSize: 1024}
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)

	go app.WatchSeedDirectory()
	time.Sleep(50 * time.Millisecond) // let the watcher register before the write

	assert.Nil(t, os.WriteFile(filepath.Join(dir, "live-seed.bin"), []byte("hello"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for app.Corpus.FuzzInputCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	app.Terminate()

	assert.Equal(t, uint64(1), app.Corpus.FuzzInputCount())
}
