// Package config loads the engine's typed option set the way cmd/warren
// loaded its cluster configuration: defaults, then a YAML file, then
// WEAVERDB_-prefixed environment variables, then CLI flags, each layer
// overriding the last. Callers read fields off Options directly rather than
// probing a generic property map.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Options holds the recognized configuration surface.
type Options struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	BufferCount  int  `yaml:"buffercount"`
	IndexBuffers int  `yaml:"indexbuffers"`
	MaxBackends  int  `yaml:"maxbackends"`
	NoFsync      bool `yaml:"nofsync"`

	// TransCareful selects the default commit durability: true means every
	// commit fsyncs the transaction log before returning (hard commit);
	// false allows soft commit, which is rolled back on the next recovery
	// sweep (spec §4.3).
	TransCareful bool `yaml:"transcareful"`

	MaxGroupTrans int           `yaml:"maxgrouptrans"`
	WaitTime      time.Duration `yaml:"waittime"`

	GCSizeFactor   float64 `yaml:"gcsizefactor"`
	GCUpdateFactor float64 `yaml:"gcupdatefactor"`

	ObjectIDPrefetch    int `yaml:"objectid_prefetch"`
	TransactionPrefetch int `yaml:"transaction_prefetch"`

	VFDShareMax int `yaml:"vfdsharemax"`
	VFDOptimize bool `yaml:"vfdoptimize"`
	VFDAutotune bool `yaml:"vfdautotune"`
	// VFDAllocation is the fraction of OPEN_MAX the VFD layer may claim as
	// its kernel fd budget (spec §4.1).
	VFDAllocation float64 `yaml:"vfdallocation"`

	// BlobSegments is the maximum payload carried by one blob segment tuple
	// (spec §4.5). Parsed as a human-readable size ("8KiB") via datasize.
	BlobSegments datasize.ByteSize `yaml:"blobsegments"`

	FreeTuples int `yaml:"freetuples"`
	FreePages  int `yaml:"freepages"`

	Sweeps      int `yaml:"sweeps"`
	FragMaxMove int `yaml:"frag_maxmove"`
}

// Default returns the option set used when no file, environment variable,
// or flag overrides a field.
func Default() Options {
	return Options{
		DataDir:  "./data",
		LogLevel: "info",
		LogJSON:  false,

		BufferCount:  1000,
		IndexBuffers: 100,
		MaxBackends:  100,
		NoFsync:      false,
		TransCareful: true,

		MaxGroupTrans: 16,
		WaitTime:      5 * time.Second,

		GCSizeFactor:   0.2,
		GCUpdateFactor: 0.1,

		ObjectIDPrefetch:    32,
		TransactionPrefetch: 32,

		VFDShareMax:   8,
		VFDOptimize:   true,
		VFDAutotune:   true,
		VFDAllocation: 0.75,

		BlobSegments: 8 * datasize.KB,

		FreeTuples: 50000,
		FreePages:  1000,

		Sweeps:      4,
		FragMaxMove: 1000,
	}
}

// Load reads Options starting from Default, overlaying a YAML file at path
// (if non-empty and present) and then WEAVERDB_-prefixed environment
// variables.
func Load(path string) (Options, error) {
	opts := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return opts, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	opts.applyEnv()
	return opts, nil
}

func (o *Options) applyEnv() {
	env := func(name string) (string, bool) {
		return os.LookupEnv("WEAVERDB_" + strings.ToUpper(name))
	}

	if v, ok := env("DATA_DIR"); ok {
		o.DataDir = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		o.LogLevel = v
	}
	if v, ok := envBool("LOG_JSON"); ok {
		o.LogJSON = v
	}
	if v, ok := envInt("BUFFERCOUNT"); ok {
		o.BufferCount = v
	}
	if v, ok := envInt("INDEXBUFFERS"); ok {
		o.IndexBuffers = v
	}
	if v, ok := envInt("MAXBACKENDS"); ok {
		o.MaxBackends = v
	}
	if v, ok := envBool("NOFSYNC"); ok {
		o.NoFsync = v
	}
	if v, ok := envBool("TRANSCAREFUL"); ok {
		o.TransCareful = v
	}
	if v, ok := envInt("SWEEPS"); ok {
		o.Sweeps = v
	}
	if v, ok := env("BLOBSEGMENTS"); ok {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err == nil {
			o.BlobSegments = sz
		}
	}
}

func envBool(name string) (bool, bool) {
	v, ok := os.LookupEnv("WEAVERDB_" + name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func envInt(name string) (int, bool) {
	v, ok := os.LookupEnv("WEAVERDB_" + name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

// BindFlags registers the subset of Options that is useful to override
// per-invocation as persistent flags on cmd, following the teacher's
// cmd/warren root-command flag registration.
func BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("data-dir", "", "data directory (overrides config file)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	cmd.PersistentFlags().Int("buffercount", 0, "shared buffer pool size in pages")
	cmd.PersistentFlags().Bool("nofsync", false, "disable fsync (unsafe, testing only)")
}

// ApplyFlags overlays any flags the caller explicitly set on cmd onto opts.
func ApplyFlags(cmd *cobra.Command, opts *Options) {
	if v, err := cmd.Flags().GetString("data-dir"); err == nil && cmd.Flags().Changed("data-dir") {
		opts.DataDir = v
	}
	if v, err := cmd.Flags().GetString("log-level"); err == nil && cmd.Flags().Changed("log-level") {
		opts.LogLevel = v
	}
	if v, err := cmd.Flags().GetBool("log-json"); err == nil && cmd.Flags().Changed("log-json") {
		opts.LogJSON = v
	}
	if v, err := cmd.Flags().GetInt("buffercount"); err == nil && cmd.Flags().Changed("buffercount") {
		opts.BufferCount = v
	}
	if v, err := cmd.Flags().GetBool("nofsync"); err == nil && cmd.Flags().Changed("nofsync") {
		opts.NoFsync = v
	}
}
