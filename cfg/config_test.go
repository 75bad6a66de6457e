package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/mialloc/pkg/mimalloc"
)

func TestValidate_DefaultConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	err := Validate()
	if err != nil {
		t.Errorf("Expected no error for default config, got: %v", err)
	}
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []int{-1, 0, 70000}

	for _, port := range tests {
		Config = Default()
		Config.Admin.Port = port

		err := Validate()
		if err == nil {
			t.Errorf("Expected error for invalid admin port %d", port)
		}
	}

	// Port is ignored when admin is off
	Config = Default()
	Config.Admin.Enabled = false
	Config.Admin.Port = 0
	if err := Validate(); err != nil {
		t.Errorf("Expected no error with admin disabled, got: %v", err)
	}
}

func TestValidate_InvalidWorkload(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(w *WorkloadConfiguration)
	}{
		{"no threads", func(w *WorkloadConfiguration) { w.Threads = 0 }},
		{"negative duration", func(w *WorkloadConfiguration) { w.DurationSeconds = -1 }},
		{"inverted sizes", func(w *WorkloadConfiguration) { w.MinSize, w.MaxSize = 100, 10 }},
		{"no live blocks", func(w *WorkloadConfiguration) { w.LiveBlocks = 0 }},
		{"ratio above one", func(w *WorkloadConfiguration) { w.CrossThreadRatio = 1.5 }},
		{"negative huge rate", func(w *WorkloadConfiguration) { w.HugeAllocationRate = -0.1 }},
		{"negative restart", func(w *WorkloadConfiguration) { w.RestartEvery = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			Config = Default()
			tc.mutate(&Config.Workload)
			if err := Validate(); err == nil {
				t.Errorf("Expected error for %s", tc.name)
			}
		})
	}
}

func TestValidate_InvalidAllocatorOptions(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Allocator.DecommitDelay = -5

	if err := Validate(); err == nil {
		t.Error("Expected error for negative decommit delay")
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()
	Config.Logging.Format = "xml"

	if err := Validate(); err == nil {
		t.Error("Expected error for unknown log format")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	// Load non-existent file should use defaults
	err := Load("non-existent-file.toml")
	if err != nil {
		t.Errorf("Expected no error for non-existent file, got: %v", err)
	}

	if Config.Allocator != mimalloc.DefaultOptions() {
		t.Errorf("Expected default allocator options, got %+v", Config.Allocator)
	}
}

func TestLoad_FromFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "mialloc.toml")
	content := `
[allocator]
eager_commit_delay = 3
decommit_delay = 100
encode_freelist = false
segment_cache_max = 4

[logging]
format = "json"

[workload]
threads = 12
max_size = 4096
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.Allocator.EagerCommitDelay != 3 {
		t.Errorf("Expected eager commit delay 3, got %d", Config.Allocator.EagerCommitDelay)
	}
	if Config.Allocator.DecommitDelay != 100 {
		t.Errorf("Expected decommit delay 100, got %d", Config.Allocator.DecommitDelay)
	}
	if Config.Allocator.EncodeFreelist {
		t.Error("Expected encode_freelist off")
	}
	if Config.Allocator.SegmentCacheMax != 4 {
		t.Errorf("Expected segment cache max 4, got %d", Config.Allocator.SegmentCacheMax)
	}
	// Untouched keys keep their defaults
	if !Config.Allocator.EagerCommit {
		t.Error("Expected eager_commit to keep its default")
	}
	if Config.Logging.Format != "json" {
		t.Errorf("Expected json log format, got %s", Config.Logging.Format)
	}
	if Config.Workload.Threads != 12 || Config.Workload.MaxSize != 4096 {
		t.Errorf("Unexpected workload %+v", Config.Workload)
	}
	if err := Validate(); err != nil {
		t.Errorf("Expected loaded config to validate, got: %v", err)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[allocator\nverbose = "), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	Config = Default()
	if err := Load(path); err == nil {
		t.Error("Expected error for malformed config")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	path := filepath.Join(t.TempDir(), "mialloc.toml")
	if err := os.WriteFile(path, []byte("[allocator]\nmax_segment_reclaim = 16\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("MIMALLOC_MAX_SEGMENT_RECLAIM", "64")

	Config = Default()
	if err := Load(path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if Config.Allocator.MaxSegmentReclaim != 64 {
		t.Errorf("Expected env override 64, got %d", Config.Allocator.MaxSegmentReclaim)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	*AdminPortFlag = 9999
	*ThreadsFlag = 16
	*DurationFlag = 90 * time.Second

	defer func() {
		*AdminPortFlag = 0
		*ThreadsFlag = 0
		*DurationFlag = 0
	}()

	Config = Default()

	err := Load("")
	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	if Config.Admin.Port != 9999 {
		t.Errorf("Expected admin port 9999, got %d", Config.Admin.Port)
	}

	if Config.Workload.Threads != 16 {
		t.Errorf("Expected 16 threads, got %d", Config.Workload.Threads)
	}

	if Duration() != 90*time.Second {
		t.Errorf("Expected 90s duration, got %s", Duration())
	}
}

func BenchmarkValidate(b *testing.B) {
	original := Config
	defer func() { Config = original }()

	Config = Default()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Validate()
	}
}
