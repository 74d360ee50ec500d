package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/boxset/internal/config"
)

const cliLogName = "cli.log"

// cliLog is the open CLI log file, if any.
var cliLog *os.File

func parseLogLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// setupCLILogging sends log output of client commands to cli.log in the data
// directory so it never lands between command output and status lines. With
// no usable data directory logs are dropped.
func setupCLILogging(cfg config.Config) {
	closeCLILog()

	var w io.Writer = io.Discard
	if dir := cfg.Storage.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o700); err == nil {
			f, err := os.OpenFile(filepath.Join(dir, cliLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err == nil {
				cliLog = f
				w = f
			}
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)})))
}

func closeCLILog() {
	if cliLog != nil {
		cliLog.Close()
		cliLog = nil
	}
}
