// Package worker implements the per-worker FuzzCase loop and the
// supervisor goroutine (spec §4.J): fuzz_loop, fuzz_fetch_input and its
// per-mode dispatch (static seed walk, dynamic scheduler, minimize
// pass), and throughput reporting.
package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kvmfuzz/kvmfuzz/internal/corpus"
	"github.com/kvmfuzz/kvmfuzz/internal/fuzzinput"
	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
	"github.com/kvmfuzz/kvmfuzz/internal/kvmengine"
	"github.com/kvmfuzz/kvmfuzz/internal/kvmengine/kvmabi"
	"github.com/kvmfuzz/kvmfuzz/internal/orchestrator"
	"github.com/kvmfuzz/kvmfuzz/internal/scheduler"
	"github.com/kvmfuzz/kvmfuzz/internal/testrunner/fuzz"
)

// minimizeBudget bounds the delta-debugging pass applied to each
// crashing corpus entry during DynamicMinimize.
const minimizeBudget = 2 * time.Second

var errCrashReproduces = errors.New("crash reproduces")

// GuestInputAddr is the fixed guest virtual address at which each run's
// input bytes are staged before Vm.Run. Snapshots built for this fuzzer
// map a scratch input buffer here; it is the core's one hardcoded
// convention (spec is agnostic to the concrete snapshot format, §6).
const GuestInputAddr = 0x0001_0000

// DeviceFactory opens one fresh KVM device per worker (and per fork).
// Production wiring passes kvmabi.OpenRealDevice; tests substitute a
// gomock-backed factory.
type DeviceFactory func() (kvmabi.Device, error)

// FuzzCase is one worker's mutable scratch state (spec §3).
type FuzzCase struct {
	App    *orchestrator.App
	Vm     *kvmengine.Vm
	RNG    *rand.Rand
	Mutator fuzzinput.Mutator

	Input             *fuzzinput.FuzzInput
	Tries             int64
	StaticFileTryMore bool
	StartInstant      time.Time

	WorkerID int

	mutationsLeft int

	staticFiles []string
	staticIdx   int
}

// NewFuzzCase forks the pristine VM and seeds a worker-local RNG.
func NewFuzzCase(app *orchestrator.App, workerID int, devices DeviceFactory, seed int64) (*FuzzCase, error) {
	device, err := devices()
	if err != nil {
		return nil, kverrors.Kvm("OpenRealDevice", err)
	}
	vm, err := app.Pristine.Fork(device)
	if err != nil {
		return nil, err
	}
	files, err := walkSeedFiles(app.Config.InputDir)
	if err != nil {
		return nil, err
	}
	return &FuzzCase{
		App:          app,
		Vm:           vm,
		RNG:          rand.New(rand.NewSource(seed)),
		Mutator:      fuzzinput.DefaultMutator(),
		WorkerID:     workerID,
		StartInstant: time.Now(),
		staticFiles:  files,
	}, nil
}

func walkSeedFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, kverrors.Conversion("input", err.Error())
	}
	return files, nil
}

// Run resets the VM, stages the case's current input and runs the guest
// once (see runData); fetching and mutating the input is fuzzLoop's job.
func (c *FuzzCase) Run() (exit kverrors.VmExit, crashed bool, err error) {
	exit, crashed, err = c.runData(c.Input.Data)
	return exit, crashed, err
}

// runData resets the VM from the pristine template, stages data at
// GuestInputAddr, runs the guest, and reports whether a crash-shaped
// exit was observed. It is the shared primitive behind Run and the
// minimizer's reproduction target.
func (c *FuzzCase) runData(data []byte) (exit kverrors.VmExit, crashed bool, err error) {
	if err := c.Vm.Reset(c.App.Pristine); err != nil {
		return kverrors.VmExit{}, false, err
	}
	if err := c.Vm.Mem.Write(GuestInputAddr, data); err != nil {
		// Unmapped scratch buffer is a configuration defect in the
		// snapshot, not a guest crash; surface it as a run error.
		return kverrors.VmExit{}, false, err
	}
	start := time.Now()
	exit, err = c.Vm.Run()
	elapsed := time.Since(start)
	c.App.Metrics.ObserveRunTimeMs(elapsed.Milliseconds())
	if c.Input != nil {
		c.Input.ExecUsec = elapsed.Microseconds()
	}
	if err != nil {
		return exit, false, err
	}
	// An unhandled vmexit reason or an unarmed breakpoint both signal a
	// guest-side fault the scheduler never instrumented as coverage.
	crashed = exit.Kind == kverrors.VmExitUnhandled || exit.Kind == kverrors.VmExitBreakpoint
	return exit, crashed, nil
}

// fuzzLoop is one full iteration of spec §4.J's numbered sequence.
func (c *FuzzCase) fuzzLoop() {
	c.mutationsLeft = c.App.Config.MutationPerRun

	mode := c.App.Mode()
	if !c.fuzzFetchInput() {
		if (c.App.Config.Minimize && c.App.Mode() == orchestrator.ModeDynamicMinimize) || mode == orchestrator.ModeStatic {
			c.App.Terminate()
		}
		return
	}

	exit, crashed, runErr := c.Run()
	if runErr != nil {
		c.App.Logger.Error("worker %d: run failed: %v", c.WorkerID, runErr)
	}

	var gain bool
	if runErr == nil && !crashed {
		cov := fuzzinput.NewFuzzCov(len(c.Input.Data), coverageCounters(c.Vm))
		c.Input.Cov = cov
		gain = c.App.RecordCoverage(cov)
	}

	// Static mode is a one-shot replay: it observes coverage but never
	// mutates or writes to the corpus/output directories (spec §9).
	if mode != orchestrator.ModeStatic {
		c.reportSaveReport(exit, crashed, gain)
	} else {
		c.App.Metrics.TestedFileCount.Add(1)
		if crashed {
			c.App.Metrics.CrashesCount.Add(1)
			c.saveCrash(exit)
		}
	}

	c.App.Metrics.FuzzCaseCount.Add(1)
	if c.App.Config.CrashExit && c.App.Metrics.CrashesCount.Load() > 0 {
		c.App.Terminate()
	}
}

// coverageCounters turns the VM's per-run hit sequence into the
// counter tail of a FuzzCov: one counter per distinct coverage point
// hit this run.
func coverageCounters(vm *kvmengine.Vm) []uint32 {
	seen := make(map[uint64]uint32, len(vm.Coverage))
	for _, va := range vm.Coverage {
		seen[va]++
	}
	counters := make([]uint32, 0, len(seen))
	for _, n := range seen {
		counters = append(counters, n)
	}
	return counters
}

func (c *FuzzCase) reportSaveReport(exit kverrors.VmExit, crashed, gain bool) {
	c.App.Metrics.TestedFileCount.Add(1)
	if crashed {
		c.App.Metrics.CrashesCount.Add(1)
		c.saveCrash(exit)
		return
	}
	if !gain {
		return
	}
	input := &fuzzinput.FuzzInput{
		Data:     append([]byte(nil), c.Input.Data...),
		Cov:      c.Input.Cov,
		Filename: corpus.ContentHashFilename(c.Input.Data),
	}
	c.App.Metrics.ObserveInputSize(int64(len(input.Data)))
	if c.App.Corpus.AddFile(input) {
		c.App.Metrics.NewUnitsAdded.Add(1)
		c.App.Metrics.FuzzInputCount.Add(1)
		path := filepath.Join(c.App.Config.OutputDir, input.Filename)
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_ = os.WriteFile(path, input.Data, 0o644)
		}
	}
}

func (c *FuzzCase) saveCrash(exit kverrors.VmExit) {
	name := fmt.Sprintf("crash-%s-%s", exit.Kind, corpus.ContentHashFilename(c.Input.Data))
	path := filepath.Join(c.App.Config.CrashDir, name)
	_ = os.WriteFile(path, c.Input.Data, 0o644)
	c.App.Logger.Warn("worker %d: crash recorded at %s (%s)", c.WorkerID, path, exit)
}

// applyMutations runs the mutator mutationsPerRun times in sequence
// (spec §4.J step 1: "Reset mutations_per_run from config"), each pass
// operating on the previous pass's output.
func (c *FuzzCase) applyMutations(speedFactor int, data []byte) []byte {
	n := c.mutationsLeft
	if n < 1 {
		n = 1
	}
	out := data
	for i := 0; i < n; i++ {
		out = c.Mutator(c.RNG, speedFactor, out)
	}
	return out
}

// fuzzFetchInput dispatches on the current mode (spec §4.J).
func (c *FuzzCase) fuzzFetchInput() bool {
	switch c.App.Mode() {
	case orchestrator.ModeDynamicDryRun:
		if c.fuzzPrepareStaticFile(true) {
			return true
		}
		c.App.EnterDynamicMain()
		return c.fuzzFetchInput()
	case orchestrator.ModeDynamicMain:
		return c.prepareDynamicInput(true)
	case orchestrator.ModeDynamicMinimize:
		return c.minimizeRemoveFiles()
	case orchestrator.ModeStatic:
		return c.fuzzPrepareStaticFile(false)
	default:
		return false
	}
}

// fuzzPrepareStaticFile walks the worker's static seed list once. When
// mangle is set (DynamicDryRun), each file is offered to the mutator and
// added to the dynamic corpus; Static mode (mangle=false) replays a seed
// unmutated and never touches the corpus (§9 open-question decision: no
// mutation, no corpus insertion). Seeds longer than App.MaxInputSize are
// truncated to it. StaticFileTryMore records whether the mutated size is
// still below that ceiling; nothing reads the flag, and each seed is read
// once: it is not re-read at a larger size.
func (c *FuzzCase) fuzzPrepareStaticFile(mangle bool) bool {
	if c.staticIdx >= len(c.staticFiles) {
		return false
	}
	path := c.staticFiles[c.staticIdx]
	c.staticIdx++

	raw, err := os.ReadFile(path)
	if err != nil {
		return c.fuzzPrepareStaticFile(mangle)
	}
	maxSize := c.App.MaxInputSize()
	if int64(len(raw)) > maxSize {
		raw = raw[:maxSize]
	}

	data := raw
	if mangle {
		data = c.applyMutations(0, raw)
		if int64(len(data)) > maxSize {
			data = data[:maxSize]
		}
		c.StaticFileTryMore = int64(len(data)) < maxSize
	}

	filename := corpus.ContentHashFilename(data)
	input := &fuzzinput.FuzzInput{Data: data, Filename: filename}
	if mangle && c.App.Corpus.AddFile(input) {
		c.App.Metrics.FuzzInputCount.Add(1)
		c.App.Metrics.ObserveInputSize(int64(len(data)))
	}
	c.Input = input
	return true
}

// prepareDynamicInput implements the scheduler walk of spec §4.I.
func (c *FuzzCase) prepareDynamicInput(mangle bool) bool {
	start := c.App.Cursor()
	candidates := c.App.Corpus.IterFrom(start)
	if len(candidates) == 0 {
		candidates = c.App.Corpus.Iter() // wrap: corpus is nonempty post-barrier
	}
	if len(candidates) == 0 {
		return false
	}

	total := c.App.Corpus.FuzzInputCount()
	avg := scheduler.AvgUsecsPerInput(time.Since(c.StartInstant).Microseconds(), c.App.Metrics.MutationsCount.Load(), c.App.Jobs)

	var chosen *fuzzinput.FuzzInput
	for _, cand := range candidates {
		if c.Tries > 0 {
			c.Tries--
			chosen = cand
			break
		}
		skip := scheduler.SkipFactor(cand.ExecUsec, avg, cand.Idx, total, len(cand.Data))
		if skip <= 0 {
			c.Tries = int64(-skip)
			chosen = cand
			break
		}
		if c.RNG.Intn(skip) == 0 {
			chosen = cand
			break
		}
	}
	if chosen == nil {
		chosen = candidates[len(candidates)-1]
	}

	c.App.SetCursor(chosen.Filename)
	chosen.Refs++

	data := chosen.Data
	if mangle {
		data = c.applyMutations(scheduler.SpeedFactor(chosen.ExecUsec, avg), chosen.Data)
	}
	c.Input = &fuzzinput.FuzzInput{Data: data, Filename: corpus.ContentHashFilename(data)}
	c.App.Metrics.MutationsCount.Add(1)
	return true
}

// minimizeRemoveFiles walks the corpus snapshot taken at minimize-entry
// exactly once (DESIGN.md open-question decision). Each entry that
// still reproduces a crash is trimmed in place with the teacher's
// delta-debugging minimizer (internal/testrunner/fuzz.Minimize);
// entries that only reproduce coverage are left untouched.
func (c *FuzzCase) minimizeRemoveFiles() bool {
	start := c.App.Cursor()
	rest := c.App.Corpus.IterFrom(start)
	if len(rest) == 0 {
		return false
	}
	next := rest[0]
	c.App.SetCursor(next.Filename)

	_, crashed, err := c.runData(next.Data)
	if err == nil && crashed {
		target := func(data []byte) error {
			_, stillCrashes, runErr := c.runData(data)
			if runErr != nil || !stillCrashes {
				return nil
			}
			return errCrashReproduces
		}
		minimized := fuzz.Minimize(0, next.Data, target, minimizeBudget)
		next.Data = minimized
		next.Filename = corpus.ContentHashFilename(minimized)
	}

	c.Input = next
	if c.App.AdvanceMinimize() {
		c.App.Terminate()
	}
	return true
}

// Pool spawns Jobs workers and one supervisor, each running until the
// termination flag is set (spec §4.J). Workers are pinned to their own
// OS thread, the Go analogue of the teacher's manual-stack-size thread
// spawn: each worker drives a real vCPU file descriptor that must not
// migrate between OS threads mid-run.
func Pool(app *orchestrator.App, devices DeviceFactory) error {
	g := new(errgroup.Group)
	for i := 0; i < app.Jobs; i++ {
		workerID := i
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			return runWorker(app, workerID, devices)
		})
	}
	g.Go(func() error {
		return runSupervisor(app)
	})
	return g.Wait()
}

func runWorker(app *orchestrator.App, workerID int, devices DeviceFactory) error {
	app.Metrics.JobActiveCount.Add(1)
	defer app.Metrics.JobActiveCount.Add(-1)
	defer app.Metrics.JobFinishedCount.Add(1)

	seed := time.Now().UnixNano() ^ int64(workerID)<<32
	fc, err := NewFuzzCase(app, workerID, devices, seed)
	if err != nil {
		app.Terminate()
		return err
	}

	for {
		if app.Config.MutationNum > 0 && int(app.Metrics.MutationsCount.Load()) >= app.Config.MutationNum {
			app.Terminate()
			return nil
		}
		fc.fuzzLoop()
		if app.Terminated() {
			return nil
		}
	}
}

func runSupervisor(app *orchestrator.App) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var last uint64
	for range ticker.C {
		if app.Terminated() {
			return nil
		}
		cur := app.Metrics.FuzzCaseCount.Load()
		rate := float64(cur-last) / 0.5
		app.Logger.Info("mode=%s cases=%d (%.1f/s) crashes=%d new_units=%d",
			app.Mode(), cur, rate, app.Metrics.CrashesCount.Load(), app.Metrics.NewUnitsAdded.Load())
		last = cur
	}
	return nil
}
