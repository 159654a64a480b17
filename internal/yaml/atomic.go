// Package yaml reads and writes the YAML diagnostics dirpoller leaves next to
// failed files. Writes go through a temp file and a rename so a reader never
// sees half a document.
package yaml

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// AtomicWrite marshals data and writes it to path via AtomicWriteRaw.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with content. content must parse as YAML;
// otherwise nothing is written.
func AtomicWriteRaw(path string, content []byte) error {
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmpName, err := writeTemp(dir, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return syncDir(dir)
}

// ReadFile checks the header of path against fileType and unmarshals the
// document into v.
func ReadFile(path, fileType string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	h, err := ParseHeader(content)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := h.Check(fileType); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeTemp(dir string, content []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".dirpoller-*.yaml.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	fail := func(step string, err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("%s temp file: %w", step, err)
	}

	if err := tmp.Chmod(0644); err != nil {
		return fail("chmod", err)
	}
	if _, err := tmp.Write(content); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

// syncDir makes the rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
