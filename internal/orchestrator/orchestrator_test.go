package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/kvmfuzz/kvmfuzz/internal/cliapp"
	"github.com/kvmfuzz/kvmfuzz/internal/fuzzinput"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/assert"
)

func testConfig() *cliapp.Config {
	return &cliapp.Config{InputDir: "/tmp/in", OutputDir: "/tmp/in", CrashDir: "/tmp/in", Jobs: 3, MaxFileSize: 1024, MaxInputSize: 1024}
}

func TestInitialModeSelection(t *testing.T) {
	logger := cliapp.NewLogger(false, false)

	socket := testConfig()
	socket.SocketFuzzer = true
	assert.Equal(t, ModeDynamicMain, NewApp(socket, logger, nil).Mode())

	static := testConfig()
	static.Static = true
	assert.Equal(t, ModeStatic, NewApp(static, logger, nil).Mode())

	dynamic := testConfig()
	assert.Equal(t, ModeDynamicDryRun, NewApp(dynamic, logger, nil).Mode())
}

// Spec §4.H: the barrier only releases once every worker has reached
// it, and installs the synthetic zero-size input when the dynamic
// corpus is still empty.
func TestBarrierReleasesAllWorkersAndSeedsSyntheticInput(t *testing.T) {
	cfg := testConfig()
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.EnterDynamicMain()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never released")
	}

	assert.Equal(t, ModeDynamicMain, app.Mode())
	assert.Equal(t, true, app.Corpus.Contains(SyntheticZeroSizeName))
}

func TestBarrierHonorsTerminationFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs = 4
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		app.Terminate()
	}()

	done := make(chan struct{})
	go func() {
		app.EnterDynamicMain() // only one of four workers arrives
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier never unblocked on termination")
	}
}

func TestBarrierTransitionsToMinimizeWhenRequested(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs = 1
	cfg.Minimize = true
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)
	app.Corpus.AddFile(&fuzzinput.FuzzInput{Data: []byte("seed"), Filename: "seed.bin"})

	app.EnterDynamicMain()
	assert.Equal(t, ModeDynamicMinimize, app.Mode())
}

// §9 open question 2: the barrier grows the configured max_input_size
// ceiling toward the largest input size actually observed, capped at
// the hard CLI limit, instead of the original's panic stub.
func TestBarrierGrowsMaxInputSizeFromObservedMetric(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs = 1
	cfg.MaxFileSize = 4096
	cfg.MaxInputSize = 16
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)
	app.Metrics.ObserveInputSize(2048)

	app.EnterDynamicMain()

	assert.Equal(t, int64(2048), app.MaxInputSize())
}

func TestRecordCoverageGainDetection(t *testing.T) {
	cfg := testConfig()
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)

	assert.Equal(t, true, app.RecordCoverage(fuzzinput.FuzzCov{1, 2}))
	assert.Equal(t, false, app.RecordCoverage(fuzzinput.FuzzCov{1, 1}))
	assert.Equal(t, true, app.RecordCoverage(fuzzinput.FuzzCov{1, 3}))
}

func TestAdvanceMinimizeCompletesAfterOnePass(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs = 1
	cfg.Minimize = true
	app := NewApp(cfg, cliapp.NewLogger(false, false), nil)
	app.Corpus.AddFile(&fuzzinput.FuzzInput{Data: []byte("a"), Filename: "a.bin"})
	app.Corpus.AddFile(&fuzzinput.FuzzInput{Data: []byte("b"), Filename: "b.bin"})
	app.EnterDynamicMain()

	assert.Equal(t, false, app.AdvanceMinimize())
	assert.Equal(t, true, app.AdvanceMinimize())
}
