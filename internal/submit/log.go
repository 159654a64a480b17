package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// LogSubmitter writes the job as a JSON line. It is meant for dry runs.
type LogSubmitter struct {
	logger *log.Logger
}

func NewLogSubmitter(logger *log.Logger) *LogSubmitter {
	return &LogSubmitter{logger: logger}
}

func (s *LogSubmitter) Submit(_ context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}
	s.logger.Printf("job %s", b)
	return nil
}
