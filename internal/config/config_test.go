package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.BasePath != "/api/v1" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
	if cfg.Relocation.Default.Latitude != -0.180472 || cfg.Relocation.Default.Longitude != 34.747611 {
		t.Fatalf("unexpected default relocation %+v", cfg.Relocation.Default)
	}
	if cfg.Dispatch.InitialBackoff != 500*time.Millisecond || cfg.Dispatch.BreakerOpenFor != time.Minute {
		t.Fatalf("durations not decoded: %+v", cfg.Dispatch)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr not applied: %q", cfg.Server.Addr)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Server.BasePath != "/api/v1" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"sms without key":       "sms:\n  enabled: true\n  api_key: \"\"\n",
		"email without host":    "email:\n  enabled: true\n  host: \"\"\n",
		"email bad tls":         "email:\n  enabled: true\n  from: a@b.c\n  tls: sometimes\n",
		"zero workers":          "dispatch:\n  workers: 0\n",
		"nearest without zones": "relocation:\n  strategy: nearest\n",
		"unknown strategy":      "relocation:\n  strategy: random\n",
		"bad latitude":          "relocation:\n  default:\n    latitude: 120\n",
		"mqtt without broker":   "mqtt:\n  enabled: true\n  broker: \"\"\n",
		"relative base path":    "server:\n  base_path: api\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Dispatch.QueueSize != 256 {
		t.Fatalf("expected defaults, got %+v", cfg.Dispatch)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected not-found hint, got %v", err)
	}
	doc := "relocation:\n  strategy: nearest\n  safe_zones:\n    - name: bay\n      latitude: -0.2\n      longitude: 34.7\n"
	if err := os.WriteFile(filepath.Join(dir, "cagewatch.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Relocation.SafeZones) != 1 || cfg.Relocation.SafeZones[0].Name != "bay" {
		t.Fatalf("safe zones not loaded: %+v", cfg.Relocation)
	}
}
