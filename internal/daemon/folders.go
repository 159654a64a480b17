package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/dirpoller/internal/model"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/submit"
)

// buildFolders turns the folder configuration into pipeline folders. Each
// named submitter is created once and shared by the folders using it.
func (d *Daemon) buildFolders(ctx context.Context) ([]*pipeline.Folder, error) {
	var folders []*pipeline.Folder
	names := make(map[string]string)
	for i, fc := range d.config.Folders {
		f, err := d.buildFolder(ctx, fc)
		if err != nil {
			return nil, fmt.Errorf("folders[%d] %s: %w", i, fc.Name, err)
		}
		if prev, dup := names[f.Name]; dup {
			return nil, fmt.Errorf("folders[%d]: normalized name %s is also used by %s", i, f.Name, prev)
		}
		names[f.Name] = f.Path
		folders = append(folders, f)
	}
	return folders, nil
}

func (d *Daemon) buildFolder(ctx context.Context, fc model.FolderConfig) (*pipeline.Folder, error) {
	var filter pipeline.Filter
	var err error
	switch fc.FilterType {
	case "regex":
		filter, err = pipeline.NewRegexFilter(fc.Filter)
	default:
		filter, err = pipeline.NewGlobFilter(fc.Filter)
	}
	if err != nil {
		return nil, err
	}

	sub, err := d.submitter(ctx, fc.Submitter)
	if err != nil {
		return nil, err
	}
	handler, err := NewErrorHandler(fc.ErrorHandler, d.metrics, d.logger, d.logLevel)
	if err != nil {
		return nil, err
	}

	return &pipeline.Folder{
		Name:      pipeline.NormalizeFolderName(fc.Name),
		Path:      fc.Path,
		TrackTime: time.Duration(fc.TrackTimeSec) * time.Second,
		Filter:    filter,
		CanRetry:  fc.CanRetry,
		MoveFile:  fc.MoveFile,
		Job: pipeline.JobSpec{
			Name:       fc.Job.Name,
			Parameters: pipeline.SortedParameters(fc.Job.Parameters),
		},
		Submitter:    sub,
		ErrorHandler: handler,
	}, nil
}

func (d *Daemon) submitter(ctx context.Context, name string) (submit.Submitter, error) {
	if s, ok := d.submitters[name]; ok {
		return s, nil
	}
	cfg, ok := d.config.Submitters[name]
	if !ok {
		return nil, fmt.Errorf("unknown submitter %q", name)
	}
	s, err := submit.New(ctx, cfg, d.logger)
	if err != nil {
		return nil, fmt.Errorf("submitter %s: %w", name, err)
	}
	d.submitters[name] = s
	d.log(LogLevelInfo, "submitter %s type=%s ready", name, cfg.Type)
	return s, nil
}

func (d *Daemon) closeSubmitters() {
	for name, s := range d.submitters {
		if err := submit.Close(s); err != nil {
			d.log(LogLevelWarn, "close submitter %s: %v", name, err)
		}
	}
	d.submitters = make(map[string]submit.Submitter)
}
