package model

// ErrorInfo is the diagnostic written into a failed file's folder in the
// error area.
type ErrorInfo struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	ErrorTime     string `yaml:"error_time"`
	Kind          string `yaml:"kind"`
	FileID        string `yaml:"file_id"`
	Folder        string `yaml:"folder,omitempty"`
	CurrentFile   string `yaml:"current_file"`

	OriginalFile OriginalFileInfo `yaml:"original_file"`

	// Trace is the error chain, outermost first.
	Trace       []string          `yaml:"trace"`
	RetryCount  int               `yaml:"retry_count"`
	Transitions []StateTransition `yaml:"transitions,omitempty"`
	FileStates  []FileStateRecord `yaml:"file_states,omitempty"`
}

type OriginalFileInfo struct {
	Path         string `yaml:"path"`
	LastModified string `yaml:"last_modified,omitempty"`
	Size         int64  `yaml:"size"`
}

// StateTransition is one in-memory state change of the failed run.
type StateTransition struct {
	State string `yaml:"state"`
	At    string `yaml:"at"`
}

// FileStateRecord is one state replayed from the state log.
type FileStateRecord struct {
	State      string            `yaml:"state"`
	Started    string            `yaml:"started"`
	Finished   string            `yaml:"finished,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}
