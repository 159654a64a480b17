package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/msageha/dirpoller/internal/daemon"
	"github.com/msageha/dirpoller/internal/events"
	"github.com/msageha/dirpoller/internal/history"
	"github.com/msageha/dirpoller/internal/model"
	"github.com/msageha/dirpoller/internal/setup"
	"github.com/msageha/dirpoller/internal/statelog"
	"github.com/msageha/dirpoller/internal/status"
	"github.com/msageha/dirpoller/internal/uds"
)

const version = "1.0.0"

const defaultConfigFile = "dirpoller.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "scan":
		runScan(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "audit":
		runAudit(os.Args[2:])
	case "version":
		fmt.Printf("dirpoller %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(args []string) {
	cfgPath, rest := configFlag(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dirpoller daemon [--config <file>]\n", rest[0])
		os.Exit(1)
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: dirpoller init <dir>")
		os.Exit(1)
	}
	cfgPath, err := setup.Run(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

func runStatus(args []string) {
	cfgPath, rest := configFlag(args)
	jsonOutput := false
	for _, a := range rest {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dirpoller status [--config <file>] [--json]\n", a)
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := status.Run(os.Stdout, cfg, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runScan(args []string) {
	cfgPath, rest := configFlag(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: dirpoller scan [--config <file>]")
		os.Exit(1)
	}
	send(cfgPath, uds.CmdScan, nil, nil)
	fmt.Println("scan requested")
}

func runStop(args []string) {
	cfgPath, rest := configFlag(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: dirpoller stop [--config <file>]")
		os.Exit(1)
	}
	send(cfgPath, uds.CmdShutdown, nil, nil)
	fmt.Println("shutdown requested")
}

func runHistory(args []string) {
	cfgPath, rest := configFlag(args)
	var params daemon.HistoryParams
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--folder":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--folder requires a value")
				os.Exit(1)
			}
			i++
			params.Folder = rest[i]
		case "--limit":
			if i+1 >= len(rest) {
				fmt.Fprintln(os.Stderr, "--limit requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(rest[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --limit: %s\n", rest[i])
				os.Exit(1)
			}
			params.Limit = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: dirpoller history [--config <file>] [--folder <name>] [--limit <n>]\n", rest[i])
			os.Exit(1)
		}
	}

	var outcomes []history.Outcome
	send(cfgPath, uds.CmdHistory, params, &outcomes)
	printHistory(os.Stdout, outcomes)
}

func runDump(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: dirpoller dump <processing-folder|log-file>")
		os.Exit(1)
	}
	if err := dump(os.Stdout, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		os.Exit(1)
	}
}

func runAudit(args []string) {
	cfgPath, rest := configFlag(args)
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "usage: dirpoller audit [--config <file>]")
		os.Exit(1)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	path := daemon.AuditLogPath(cfg.Daemon.StateDir)
	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d entries, %d valid\n", path, total, valid)
	if valid != total {
		os.Exit(2)
	}
}

// dump prints every entry of a state log. path may name the log itself or
// the processing folder holding it.
func dump(w io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		path = filepath.Join(path, statelog.FileName)
	}
	entries, err := statelog.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d entries\n", path, len(entries))
	for i, e := range entries {
		finished := statelog.FormatMillis(e.Finished)
		if finished == "" {
			finished = "-"
		}
		fmt.Fprintf(w, "%3d %-22s started=%s finished=%s\n", i, e.State, statelog.FormatMillis(e.Started), finished)
		fields := statelog.Describe(e)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "      %s=%s\n", k, fields[k])
		}
	}
	return nil
}

func printHistory(w io.Writer, outcomes []history.Outcome) {
	if len(outcomes) == 0 {
		fmt.Fprintln(w, "no outcomes recorded")
		return
	}
	for _, o := range outcomes {
		line := fmt.Sprintf("%s %-8s %-16s %s %s", o.RecordedAt.Format(time.RFC3339), o.Status, o.Folder, o.FileID, o.OriginalFile)
		if o.Error != "" {
			line += fmt.Sprintf(" kind=%s error=%s", o.Kind, o.Error)
		}
		fmt.Fprintln(w, line)
	}
}

// send issues one admin command to the running daemon, decodes the result
// into out and exits on failure.
func send(cfgPath, command string, params, out any) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	client := uds.NewClient(filepath.Join(cfg.Daemon.StateDir, uds.DefaultSocketName))
	if err := client.Call(command, params, out); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

// configFlag extracts --config from args. Without it the path comes from
// DIRPOLLER_CONFIG, then ./dirpoller.yaml.
func configFlag(args []string) (string, []string) {
	path := os.Getenv("DIRPOLLER_CONFIG")
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" || args[i] == "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			path = args[i]
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	if path == "" {
		path = defaultConfigFile
	}
	return path, rest
}

// loadConfig reads the YAML config at path. A .env file next to it is loaded
// first; variables already set in the environment win. ${VAR} references in
// the file are expanded before parsing. Relative paths resolve against the
// config file's directory.
func loadConfig(path string) (model.Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return model.Config{}, err
	}
	dir := filepath.Dir(abs)

	envFile := filepath.Join(dir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return model.Config{}, fmt.Errorf("read %s: %w", filepath.Base(abs), err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", filepath.Base(abs), err)
	}
	cfg.ApplyDefaults(dir)
	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `dirpoller %s: directory polling job trigger

Usage: dirpoller <command> [options]

Every command except init, dump and version accepts --config <file>
(default: $DIRPOLLER_CONFIG, then ./%s).

Setup:
  init <dir>                  Write a starter dirpoller.yaml and its folders

Daemon:
  daemon                      Run the poller in the foreground
  status [--json]             Show daemon, folder, retry and error area status
  scan                        Start a poll cycle now
  stop                        Graceful shutdown
  history [--folder <name>] [--limit <n>]
                              Show recent file outcomes

Utilities:
  dump <processing-folder|log-file>
                              Print a file's state log
  audit                       Verify the audit log checksums
  version                     Show version
  help                        Show this help

`, version, defaultConfigFile)
}
