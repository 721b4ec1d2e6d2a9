package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/convergo-io/convergo/internal/ir"
)

// staleLockAge is how old a lock file must be before it is considered
// abandoned and taken over.
const staleLockAge = 10 * time.Minute

// LocalBackend stores the state document as a JSON file next to a lock
// file. Writes are atomic (temp file + rename) and detect concurrent
// modification through the document serial.
type LocalBackend struct {
	path       string
	readSerial int
}

func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{path: path}
}

// Read loads the state document, transparently decrypting it. A missing
// file yields a fresh empty state with a new lineage.
func (b *LocalBackend) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return &ir.State{
			Version: ir.StateVersion,
			Serial:  0,
			Lineage: uuid.NewString(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", b.path, err)
	}

	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt state: %w", err)
		}
	}

	var state ir.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", b.path, err)
	}
	b.readSerial = state.Serial

	return &state, nil
}

// Write persists the state document, bumping its serial. If the file on
// disk has advanced past the serial this backend last read or wrote, the
// write fails with ErrSerialConflict instead of clobbering it.
func (b *LocalBackend) Write(ctx context.Context, state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if raw, err := os.ReadFile(b.path); err == nil {
		content := raw
		if IsEncrypted(content) {
			if dec, decErr := DecryptState(content); decErr == nil {
				content = dec
			}
		}
		var onDisk ir.State
		if json.Unmarshal(content, &onDisk) == nil && onDisk.Serial > b.readSerial {
			return fmt.Errorf("%w: file serial %d is ahead of run serial %d",
				ErrSerialConflict, onDisk.Serial, b.readSerial)
		}
	}

	state.Version = ir.StateVersion
	state.Serial = b.readSerial + 1

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	data = append(data, '\n')

	encrypted, err := EncryptState(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	b.readSerial = state.Serial
	return nil
}

// Lock acquires the file lock guarding this state. Locks older than
// staleLockAge are treated as abandoned.
func (b *LocalBackend) Lock() error {
	lockPath := b.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLockAge {
		os.Remove(lockPath)
	}

	// O_EXCL makes acquisition atomic; two runs racing here cannot both
	// create the file.
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lock file: %s); remove the file manually if no other run is active",
				ErrPlanConflict, lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	return nil
}

// Unlock releases the state lock.
func (b *LocalBackend) Unlock() error {
	if err := os.Remove(b.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (b *LocalBackend) lockPath() string {
	return b.path + ".lock"
}
