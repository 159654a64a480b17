package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/dirpoller/internal/daemon"
	"github.com/msageha/dirpoller/internal/history"
	"github.com/msageha/dirpoller/internal/model"
	"github.com/msageha/dirpoller/internal/pipeline"
	"github.com/msageha/dirpoller/internal/uds"
	dpyaml "github.com/msageha/dirpoller/internal/yaml"
)

type Report struct {
	Daemon    DaemonStatus   `json:"daemon"`
	Live      *daemon.Status `json:"live,omitempty"`
	ErrorArea []ErrorEntry   `json:"error_area,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// ErrorEntry summarizes one failed file parked in the error area.
type ErrorEntry struct {
	Dir          string `json:"dir"`
	FileID       string `json:"file_id"`
	Folder       string `json:"folder,omitempty"`
	Kind         string `json:"kind"`
	OriginalFile string `json:"original_file"`
	ErrorTime    string `json:"error_time"`
}

// Run collects the status of the daemon configured by cfg and prints it.
func Run(w io.Writer, cfg model.Config, jsonOutput bool) error {
	report := Report{}

	sockPath := filepath.Join(cfg.Daemon.StateDir, uds.DefaultSocketName)
	report.Daemon, report.Live = checkDaemon(sockPath)
	report.ErrorArea = getErrorArea(cfg.Poller.ErrorFolder)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(w, report)
	return nil
}

func checkDaemon(sockPath string) (DaemonStatus, *daemon.Status) {
	var st daemon.Status
	err := uds.NewClient(sockPath).Call(uds.CmdStatus, nil, &st)
	switch {
	case errors.Is(err, uds.ErrDaemonNotRunning):
		return DaemonStatus{Running: false}, nil
	case err != nil:
		log.Printf("status: %v", err)
		return DaemonStatus{Running: true}, nil
	}
	return DaemonStatus{Running: true, Pid: st.PID}, &st
}

// getErrorArea reads the diagnostic of every folder under the error root.
// Unreadable diagnostics are logged and skipped.
func getErrorArea(errorRoot string) []ErrorEntry {
	if errorRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(errorRoot)
	if err != nil {
		return nil
	}

	var out []ErrorEntry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(errorRoot, entry.Name(), pipeline.ErrorInfoFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var info model.ErrorInfo
		if err := dpyaml.ReadFile(path, dpyaml.FileTypeErrorInfo, &info); err != nil {
			log.Printf("status: %v", err)
			continue
		}
		out = append(out, ErrorEntry{
			Dir:          entry.Name(),
			FileID:       info.FileID,
			Folder:       info.Folder,
			Kind:         info.Kind,
			OriginalFile: info.OriginalFile.Path,
			ErrorTime:    info.ErrorTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorTime < out[j].ErrorTime })
	return out
}

func printReport(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if st := r.Live; st != nil && st.Poller != nil {
		p := st.Poller
		fmt.Fprintf(w, "  started=%s  in_process=%d  tracked=%d  retries=%d\n",
			st.StartedAt.Format(time.RFC3339), p.InProcess, p.Tracked, len(p.Retries))
		if p.Pool != nil {
			fmt.Fprintf(w, "  workers=%d  idle=%d  active=%d  queued=%d\n",
				p.Pool.Workers, p.Pool.Idle, p.Pool.Active, p.Pool.Queued)
		}
		if len(st.Outcomes) > 0 {
			fmt.Fprintf(w, "  finished=%d  failed=%d\n",
				st.Outcomes[history.StatusFinished], st.Outcomes[history.StatusFailed])
		}

		fmt.Fprintln(w, "\nFolders:")
		for _, f := range p.Folders {
			var notes []string
			if f.LockFailed {
				notes = append(notes, "lock failed")
			}
			if f.BlockedUntil != nil {
				notes = append(notes, "blocked until "+f.BlockedUntil.Format(time.RFC3339))
			}
			line := fmt.Sprintf("  %-16s  %s", f.Name, f.Path)
			if len(notes) > 0 {
				line += "  [" + strings.Join(notes, ", ") + "]"
			}
			fmt.Fprintln(w, line)
		}

		if len(p.Retries) > 0 {
			fmt.Fprintln(w, "\nRetries:")
			fmt.Fprintf(w, "  %-24s  %-22s  %5s  %s\n", "FILE_ID", "STATE", "COUNT", "DUE")
			for _, rs := range p.Retries {
				fmt.Fprintf(w, "  %-24s  %-22s  %5d  %s\n", rs.FileID, rs.State, rs.RetryCount, rs.Due.Format(time.RFC3339))
			}
		}
	}

	if len(r.ErrorArea) > 0 {
		fmt.Fprintln(w, "\nError area:")
		for _, e := range r.ErrorArea {
			fmt.Fprintf(w, "  %-24s  kind=%-17s  %s  %s\n", e.Dir, e.Kind, e.ErrorTime, e.OriginalFile)
		}
	} else {
		fmt.Fprintln(w, "\nError area: empty")
	}
}
