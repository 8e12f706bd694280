// Package mobile is the binding surface for phone apps. Every call is
// synchronous and self-contained: it opens the installation under dataDir,
// connects to the daemon, performs one request and shuts down again.
package mobile

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hemantsingh443/remote-commit/internal/client"
	"github.com/hemantsingh443/remote-commit/internal/config"
	"github.com/hemantsingh443/remote-commit/internal/engine"
	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("mobile")

// ErrorKind classifies failures for the app.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindData
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindData:
		return "data"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is returned by every call in this package.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// ConfigFile is read from dataDir when present.
const ConfigFile = "config.toml"

// EmergencyCommit writes newContent to filePath inside repoPath on the daemon
// and commits it, returning the commit hash.
func EmergencyCommit(dataDir, daemonAddress, repoPath, filePath, newContent, commitMessage string) (string, error) {
	ctx := context.Background()

	s, err := open(ctx, dataDir, daemonAddress)
	if err != nil {
		return "", toMobile(err)
	}
	defer s.Close()

	hash, err := s.Commit(ctx, engine.CommitParams{
		RepoPath: repoPath,
		FilePath: filePath,
		Content:  newContent,
		Message:  commitMessage,
	})
	if err != nil {
		return "", toMobile(err)
	}
	return hash, nil
}

// Pair asks the daemon's operator to trust this installation and waits for
// the decision.
func Pair(dataDir, daemonAddress string) error {
	ctx := context.Background()

	s, err := open(ctx, dataDir, daemonAddress)
	if err != nil {
		return toMobile(err)
	}
	defer s.Close()

	return toMobile(s.Pair(ctx))
}

// PeerID returns this installation's peer ID, creating the identity on first
// use, so the app can show it to the operator.
func PeerID(dataDir string) (string, error) {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return "", toMobile(err)
	}
	id, err := client.LocalID(cfg)
	if err != nil {
		return "", toMobile(err)
	}
	return id.String(), nil
}

func open(ctx context.Context, dataDir, daemonAddress string) (*client.Session, error) {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return nil, err
	}
	return client.Dial(ctx, cfg, daemonAddress)
}

func loadConfig(dataDir string) (*config.Config, error) {
	if dataDir == "" {
		return nil, fault.Errorf(fault.Configuration, "load config", "data directory is required")
	}
	path := filepath.Join(dataDir, ConfigFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.ForDataDir(dataDir), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fault.E(fault.Configuration, "load config", err)
	}
	// The app owns the directory; node.data_dir in the file is ignored.
	cfg.Node.DataDir = dataDir
	return cfg, nil
}

// toMobile folds the internal error kinds into the three the app handles.
func toMobile(err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	log.Debugw("request failed", "kind", fault.KindOf(err), "error", err)

	switch fault.KindOf(err) {
	case fault.Timeout:
		return &Error{Kind: KindTimeout}
	case fault.Protocol:
		return &Error{Kind: KindData, Message: err.Error()}
	default:
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout}
		}
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
}
