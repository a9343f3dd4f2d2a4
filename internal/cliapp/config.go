package cliapp

import (
	"flag"
	"fmt"

	"github.com/kvmfuzz/kvmfuzz/internal/kverrors"
)

const defaultMaxFileSize = 128 * 1024 * 1024

// Config is the fuzzer's validated configuration, assembled from the CLI
// surface described in spec §6. Fields default the way the distilled
// core's reference CLI does: output/crash/cov directories default to the
// input directory when unset.
type Config struct {
	InputDir  string
	OutputDir string
	CrashDir  string
	CovDir    string

	Jobs           int
	TimeoutSec     int
	MutationPerRun int
	MutationNum    int // 0 means uncapped
	MaxFileSize    int64
	MaxInputSize   int64 // 0 means "use MaxFileSize"; the growable static_file_try_more ceiling

	VerboseCount int
	Minimize     bool
	Persistent   bool
	NetDriver    bool
	CrashExit    bool
	SocketFuzzer bool
	RandomASCII  bool
	Static       bool

	SnapshotManifest string
	GuestMemSize     int64

	TargetCmd []string
}

// ParseFlags parses the fuzzer's flag surface from args (excluding the
// program name) and returns a validated Config, or a *kverrors.StandardError
// of category Config on failure.
func ParseFlags(programName string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)

	cfg := &Config{}
	var verboseCount int

	fs.StringVar(&cfg.InputDir, "input", "", "corpus seed directory (required)")
	fs.StringVar(&cfg.OutputDir, "output", "", "new-coverage output directory (defaults to -input)")
	fs.StringVar(&cfg.CrashDir, "crashdir", "", "crash artifact directory (defaults to -input)")
	fs.StringVar(&cfg.CovDir, "covdir", "", "per-run coverage dump directory (defaults to -input)")
	fs.IntVar(&cfg.Jobs, "jobs", 1, "number of worker threads, 1 <= jobs < 1024")
	fs.IntVar(&cfg.TimeoutSec, "timeout", 1, "per-run wall-clock timeout in seconds (0 when -socket_fuzzer)")
	fs.IntVar(&cfg.MutationPerRun, "mutation_per_run", 6, "mutations applied to each fetched input per run")
	fs.IntVar(&cfg.MutationNum, "mutation_num", 0, "optional cap on total mutations across the run; 0 means uncapped")
	fs.Int64Var(&cfg.MaxFileSize, "max_file_size", defaultMaxFileSize, "maximum input size in bytes")
	fs.Int64Var(&cfg.MaxInputSize, "max_input_size", 0, "growable static_file_try_more ceiling; 0 means use -max_file_size")
	fs.BoolVar(&cfg.Minimize, "minimize", false, "enter DynamicMinimize after the dry run")
	fs.BoolVar(&cfg.Persistent, "persistent", false, "target uses the persistent-mode binary signature")
	fs.BoolVar(&cfg.NetDriver, "netdriver", false, "target uses the net-driver binary signature")
	fs.BoolVar(&cfg.CrashExit, "crash_exit", false, "terminate the whole run on the first recorded crash")
	fs.BoolVar(&cfg.SocketFuzzer, "socket_fuzzer", false, "inputs are delivered over a socket by an external collaborator")
	fs.BoolVar(&cfg.RandomASCII, "random_ascii", false, "printable-ASCII input mode; recorded in Config but not consulted by the default mutator")
	fs.BoolVar(&cfg.Static, "static", false, "one-shot non-mutating replay of the seed directory, then terminate")
	fs.StringVar(&cfg.SnapshotManifest, "snapshot", "", "path to the guest snapshot manifest (required)")
	fs.Int64Var(&cfg.GuestMemSize, "guest_mem", 64*1024*1024, "guest physical memory size in bytes")
	fs.BoolFunc("verbose", "increase verbosity; repeatable", func(string) error {
		verboseCount++
		return nil
	})
	fs.Lookup("verbose").DefValue = ""

	if err := fs.Parse(args); err != nil {
		return nil, kverrors.Conversion("args", fmt.Sprint(err))
	}
	cfg.VerboseCount = verboseCount
	cfg.TargetCmd = fs.Args()

	if err := cfg.fillDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() error {
	if c.OutputDir == "" {
		c.OutputDir = c.InputDir
	}
	if c.CrashDir == "" {
		c.CrashDir = c.InputDir
	}
	if c.CovDir == "" {
		c.CovDir = c.InputDir
	}
	if c.MaxInputSize <= 0 {
		c.MaxInputSize = c.MaxFileSize
	}
	return nil
}

func (c *Config) validate() error {
	if c.InputDir == "" {
		return kverrors.Required("input")
	}
	if c.SnapshotManifest == "" {
		return kverrors.Required("snapshot")
	}
	if c.GuestMemSize <= 0 {
		return kverrors.Conversion("guest_mem", fmt.Sprint(c.GuestMemSize))
	}
	if c.Jobs < 1 || c.Jobs >= 1024 {
		return kverrors.Conversion("jobs", fmt.Sprint(c.Jobs))
	}
	if c.MaxFileSize <= 0 {
		return kverrors.Conversion("max_file_size", fmt.Sprint(c.MaxFileSize))
	}
	if c.SocketFuzzer {
		c.TimeoutSec = 0
	}
	return nil
}

// Verbose reports whether any -verbose flag was supplied.
func (c *Config) Verbose() bool { return c.VerboseCount > 0 }

// Debug reports whether -verbose was supplied at least twice.
func (c *Config) Debug() bool { return c.VerboseCount > 1 }
