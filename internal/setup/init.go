// Package setup handles dirpoller project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/dirpoller/internal/model"
	dpyaml "github.com/msageha/dirpoller/internal/yaml"
	"github.com/msageha/dirpoller/templates"
)

// ConfigFileName is the configuration written into the project directory.
const ConfigFileName = "dirpoller.yaml"

// Run writes the starter configuration into projectDir and creates every
// directory it references. It returns the path of the written config.
func Run(projectDir string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return "", fmt.Errorf("%s already exists", cfgPath)
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("read config template: %w", err)
	}
	cfg, err := parseTemplate(data, absDir)
	if err != nil {
		return "", err
	}

	// Create directory structure
	dirs := []string{
		cfg.Poller.ProcessingFolder,
		cfg.Poller.AppProcessingFolder,
		cfg.Poller.ErrorFolder,
		filepath.Join(cfg.Daemon.StateDir, "locks"),
		filepath.Join(cfg.Daemon.StateDir, "logs"),
	}
	for _, f := range cfg.Folders {
		dirs = append(dirs, f.Path)
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// The template is written verbatim so its comments survive.
	if err := dpyaml.AtomicWriteRaw(cfgPath, data); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFileName, err)
	}
	return cfgPath, nil
}

func parseTemplate(data []byte, baseDir string) (model.Config, error) {
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config template: %w", err)
	}
	cfg.ApplyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config template: %w", err)
	}
	return cfg, nil
}
