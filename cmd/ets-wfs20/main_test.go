package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfig_FlagsOverrideFile(t *testing.T) {
	t.Setenv("ETS_WFS_URL", "http://env.example.org/wfs")
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte("wfs: caps.xml\nmax_features: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseConfig([]string{"-config", path, "-max-features", "3"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.WFSURL != "caps.xml" || cfg.MaxFeatures != 3 {
		t.Fatalf("got wfs=%q max=%d", cfg.WFSURL, cfg.MaxFeatures)
	}
}

func TestRun_MissingLocationIsUsageError(t *testing.T) {
	t.Setenv("ETS_WFS_URL", "")
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Fatalf("exit code %d want 2", code)
	}
	if !strings.Contains(stderr.String(), "capabilities") || stdout.Len() != 0 {
		t.Fatalf("stderr=%q stdout=%q", stderr.String(), stdout.String())
	}
}
