package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/dirpoller/internal/model"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	cfgPath, err := Run(projectDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cfgPath != filepath.Join(projectDir, ConfigFileName) {
		t.Errorf("config path: got %q", cfgPath)
	}

	// Verify directories exist
	expectedDirs := []string{
		"inbox",
		"work/processing",
		"work/app",
		"work/error",
		".dirpoller/locks",
		".dirpoller/logs",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(projectDir, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_WritesValidConfig(t *testing.T) {
	projectDir := t.TempDir()
	cfgPath, err := Run(projectDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.ApplyDefaults(projectDir)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("written config is invalid: %v", err)
	}
	if len(cfg.Folders) != 1 || cfg.Folders[0].Submitter != "dryrun" {
		t.Errorf("unexpected folders: %+v", cfg.Folders)
	}
	if cfg.Submitters["dryrun"].Type != model.SubmitterLog {
		t.Errorf("dryrun submitter type: got %q", cfg.Submitters["dryrun"].Type)
	}
	if !cfg.History.Enabled {
		t.Error("history should be enabled in the starter config")
	}
}

func TestRun_AlreadyExists(t *testing.T) {
	projectDir := t.TempDir()
	if _, err := Run(projectDir); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := Run(projectDir); err == nil {
		t.Fatal("expected error on second Run")
	}
}
