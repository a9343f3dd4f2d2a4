// Command kvmfuzz drives the coverage-guided, snapshot-based KVM
// fuzzer: it loads a guest snapshot, brings up one pristine vCPU
// template, and spawns a worker pool that forks, mutates, and resets
// that template according to the current orchestrator phase.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvmfuzz/kvmfuzz/internal/cliapp"
	"github.com/kvmfuzz/kvmfuzz/internal/kvmengine"
	"github.com/kvmfuzz/kvmfuzz/internal/kvmengine/kvmabi"
	"github.com/kvmfuzz/kvmfuzz/internal/orchestrator"
	"github.com/kvmfuzz/kvmfuzz/internal/snapshot"
	"github.com/kvmfuzz/kvmfuzz/internal/worker"
)

var persistentSignature = []byte{0x01, 0x5f, 'L', 'I', 'B', 'H', 'F', 'U', 'Z', 'Z', '_', 'P', 'E', 'R', 'S', 'I', 'S', 'T', 'E', 'N', 'T', '_', 'B', 'I', 'N', 'A', 'R', 'Y', '_', 'S', 'I', 'G', 'N', 'A', 'T', 'U', 'R', 'E', 0x5f, 0x02, 0xff}
var netDriverSignature = []byte{0x01, 0x5f, 'L', 'I', 'B', 'H', 'F', 'U', 'Z', 'Z', '_', 'N', 'E', 'T', 'D', 'R', 'I', 'V', 'E', 'R', '_', 'B', 'I', 'N', 'A', 'R', 'Y', '_', 'S', 'I', 'G', 'N', 'A', 'T', 'U', 'R', 'E', 0x5f, 0x02, 0xff}

func main() {
	cfg, err := cliapp.ParseFlags("kvmfuzz", os.Args[1:])
	if err != nil {
		cliapp.ExitWithCode(2, "%v", err)
		return
	}
	logger := cliapp.NewLogger(cfg.Verbose(), cfg.Debug())

	if err := ensureDirs(cfg); err != nil {
		cliapp.ExitWithCode(2, "%v", err)
		return
	}

	if len(cfg.TargetCmd) > 0 {
		reportBinarySignature(logger, cfg.TargetCmd[0])
	}

	rec, err := snapshot.LoadJSONRecord(cfg.SnapshotManifest)
	if err != nil {
		cliapp.ExitWithCode(2, "failed to load snapshot: %v", err)
		return
	}
	defer rec.Close()

	pristineDevice, err := kvmabi.OpenRealDevice()
	if err != nil {
		cliapp.ExitWithCode(1, "failed to open /dev/kvm: %v", err)
		return
	}
	pristine, err := kvmengine.FromSnapshot(pristineDevice, rec, uint64(cfg.GuestMemSize))
	if err != nil {
		cliapp.ExitWithCode(1, "failed to build pristine VM: %v", err)
		return
	}

	app := orchestrator.NewApp(cfg, logger, pristine)
	logger.Info("starting in mode %s with %d worker(s)", app.Mode(), cfg.Jobs)

	if !cfg.Static {
		go app.WatchSeedDirectory()
	}

	devices := func() (kvmabi.Device, error) { return kvmabi.OpenRealDevice() }
	if err := worker.Pool(app, devices); err != nil {
		logger.Error("worker pool exited with error: %v", err)
	}

	logger.Info("fuzzing finished: cases=%d crashes=%d new_units=%d",
		app.Metrics.FuzzCaseCount.Load(), app.Metrics.CrashesCount.Load(), app.Metrics.NewUnitsAdded.Load())
	os.Exit(0)
}

func ensureDirs(cfg *cliapp.Config) error {
	for _, dir := range []string{cfg.InputDir, cfg.OutputDir, cfg.CrashDir, cfg.CovDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return nil
}

// reportBinarySignature scans the target executable for the libFuzzer-
// style persistent/net-driver signatures (spec §6) and logs which mode
// it advertises; the core itself does not change behavior on this,
// since driving persistent or net-driver targets is delegated to the
// snapshot/harness that produced the target binary.
func reportBinarySignature(logger *cliapp.Logger, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Debug("could not scan target binary %s for signatures: %v", path, err)
		return
	}
	switch {
	case bytes.Contains(data, persistentSignature):
		logger.Info("target %s advertises persistent-mode signature", filepath.Base(path))
	case bytes.Contains(data, netDriverSignature):
		logger.Info("target %s advertises net-driver signature", filepath.Base(path))
	}
}
