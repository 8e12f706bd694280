// Package logging configures the go-log subsystem loggers shared with libp2p.
package logging

import (
	"fmt"
	"strings"

	golog "github.com/ipfs/go-log/v2"
)

// SubsystemPrefix prefixes every logger created by this module.
const SubsystemPrefix = "remote-commit/"

// Logger returns the named subsystem logger.
func Logger(subsystem string) *golog.ZapEventLogger {
	return golog.Logger(SubsystemPrefix + subsystem)
}

// Setup applies level to this module's loggers and keeps the libp2p stack
// at warn unless debug output was requested.
func Setup(level, format string) error {
	if level == "" {
		level = "info"
	}
	level = strings.ToLower(level)
	if _, err := golog.LevelFromString(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	base := golog.LevelWarn
	if level == "debug" {
		base = golog.LevelInfo
	}

	cfg := golog.GetConfig()
	cfg.Level = base
	cfg.Stderr = true
	cfg.Stdout = false
	switch strings.ToLower(format) {
	case "", "color", "colour":
		cfg.Format = golog.ColorizedOutput
	case "json":
		cfg.Format = golog.JSONOutput
	case "plain", "plaintext", "text":
		cfg.Format = golog.PlaintextOutput
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	golog.SetupLogging(cfg)

	if err := golog.SetLogLevelRegex("^"+SubsystemPrefix, level); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}
