// Package identity manages the long-lived keypair that names this
// installation on the network.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/fault"
	"github.com/hemantsingh443/remote-commit/internal/logging"
)

var log = logging.Logger("identity")

// Identity is a loaded private key and the peer ID derived from it.
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// LoadOrCreate returns the identity stored at path, generating and persisting
// a new Ed25519 key on first use. An existing file is never overwritten: a
// file that cannot be parsed is a configuration fault.
func LoadOrCreate(path string) (*Identity, error) {
	ident, err := Load(path)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity key: %w", err)
	}

	if err := createExclusive(path, data); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another process created the key first; use theirs.
			return Load(path)
		}
		return nil, fault.E(fault.Configuration, "create identity", err)
	}

	ident, err = fromPrivKey(priv)
	if err != nil {
		return nil, err
	}
	log.Infow("generated new identity", "peer", ident.id, "path", path)
	return ident, nil
}

// Load reads an existing identity. A missing file is reported with an error
// satisfying errors.Is(err, os.ErrNotExist).
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fault.E(fault.Configuration, "load identity", fmt.Errorf("failed to read key file: %w", err))
	}
	priv, err := crypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fault.E(fault.Configuration, "load identity", fmt.Errorf("corrupt key file %s: %w", path, err))
	}
	return fromPrivKey(priv)
}

func fromPrivKey(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, fault.E(fault.Configuration, "load identity", fmt.Errorf("failed to derive peer id: %w", err))
	}
	return &Identity{priv: priv, id: id}, nil
}

// ID returns the peer identity.
func (i *Identity) ID() peer.ID { return i.id }

// PrivKey returns the private key for the transport host.
func (i *Identity) PrivKey() crypto.PrivKey { return i.priv }

// Sign signs data with the identity key.
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}

// createExclusive writes data to a temp file, syncs it, and links it into
// place. The link fails if path already exists, so a concurrent creator never
// has its key replaced.
func createExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp key file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := f.Chmod(0600); err != nil {
		f.Close()
		return fmt.Errorf("failed to restrict key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close key file: %w", err)
	}

	if err := os.Link(tmp, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// Not every platform supports syncing a directory.
	d.Sync()
	return nil
}
