package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/kvpage/internal/kvcache"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
	if _, err := cfg.KVConfig(); err != nil {
		t.Fatalf("default KVConfig: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", `
model:
  layers: 2
  kv_heads: 1
  head_dim: 4
cache:
  block_len: 8
  dtype: bf16
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kc, err := cfg.KVConfig()
	if err != nil {
		t.Fatalf("KVConfig: %v", err)
	}
	want := kvcache.Layout{Layers: 2, KVHeads: 1, HeadDim: 4, BlockLen: 8, DType: kvcache.DTypeBF16}
	if diff := cmp.Diff(want, kc.Layout); diff != "" {
		t.Fatalf("layout (-want +got):\n%s", diff)
	}
	// Untouched sections keep their defaults.
	if cfg.Model.HeadRep != 4 || cfg.Logging.Level != "debug" || cfg.Logging.Format != "pretty" {
		t.Fatalf("unexpected merge: %+v", cfg)
	}
}

func TestScaleFileRelativeToConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "scales.json", `{"k": [[0.5]], "v": [[0.25]]}`)
	path := writeFile(t, dir, "config.yaml", `
model: {layers: 1, kv_heads: 1, head_dim: 8, head_rep: 1}
cache: {quant_policy: 4, scale_file: scales.json}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	kc, err := cfg.KVConfig()
	if err != nil {
		t.Fatalf("KVConfig: %v", err)
	}
	p := kc.Layer(0)
	if p.KScale[0] != 0.5 || p.VScale[0] != 0.25 {
		t.Fatalf("scales = %v %v", p.KScale, p.VScale)
	}
}

func TestKVConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad dtype", func(c *Config) { c.Cache.DType = "f8" }},
		{"no blocks", func(c *Config) { c.Cache.Blocks = 0 }},
		{"no streams", func(c *Config) { c.Runtime.Streams = 0 }},
		{"quant without scales", func(c *Config) { c.Cache.QuantPolicy = 4 }},
		{"both scale sources", func(c *Config) {
			c.Cache.Scales = &kvcache.Scales{}
			c.Cache.ScaleFile = "x.json"
		}},
		{"zero layers", func(c *Config) { c.Model.Layers = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			if _, err := cfg.KVConfig(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("KVConfig = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "config.yaml", "model: [")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
