package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":5909" {
		t.Errorf("Addr = %q, want default", cfg.Addr)
	}
	if cfg.MaxMessageSize == 0 {
		t.Error("MaxMessageSize default missing")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sceneserver.yaml")
	data := "addr: \":7000\"\nkeep_framebuffer_files: true\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000", cfg.Addr)
	}
	if !cfg.KeepFramebufferFiles {
		t.Error("KeepFramebufferFiles not applied")
	}
	// untouched keys keep their defaults
	if cfg.ScratchDir == "" {
		t.Error("ScratchDir default lost")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{addr: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml accepted")
	}
}
