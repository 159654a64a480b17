package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// FileTypeErrorInfo is the diagnostic written into a failed file's folder.
const FileTypeErrorInfo = "error_info"

// Header is the preamble every document written by dirpoller starts with.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

// Check reports whether h describes a readable document of fileType.
func (h Header) Check(fileType string) error {
	switch {
	case h.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d", h.SchemaVersion)
	case h.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("schema_version %d is newer than supported %d", h.SchemaVersion, CurrentSchemaVersion)
	case h.FileType == "":
		return fmt.Errorf("missing file_type")
	case h.FileType != fileType:
		return fmt.Errorf("file_type is %q, want %q", h.FileType, fileType)
	}
	return nil
}

// ParseHeader decodes only the header fields of content.
func ParseHeader(content []byte) (Header, error) {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return Header{}, fmt.Errorf("parse yaml: %w", err)
	}
	return h, nil
}
