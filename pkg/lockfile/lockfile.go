// Package lockfile guards against two deployer instances on one host
// claiming overlapping port ranges.
package lockfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

// Lock is a held instance lock.
type Lock struct {
	flock *flock.Flock
	path  string
}

// InstanceID derives a stable 16-hex-char identifier from the install
// path, so the same checkout always produces the same lock name.
func InstanceID(installPath string) string {
	sum := sha256.Sum256([]byte(installPath))
	return hex.EncodeToString(sum[:])[:16]
}

// Acquire takes the instance lock for the given port range. It fails
// when another live instance holds a lock whose range overlaps.
func Acquire(lockDir string, startRange, stopRange int, installPath string) (*Lock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	if err := checkOverlap(lockDir, startRange, stopRange); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%d-%d_%s.lock", startRange, stopRange, InstanceID(installPath))
	path := filepath.Join(lockDir, name)

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance already holds %s", path)
	}

	log.WithComponent("lockfile").Info().Str("path", path).Msg("Instance lock acquired")
	return &Lock{flock: fl, path: path}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return err
	}
	os.Remove(l.path)
	return nil
}

// checkOverlap scans existing lock files for a live instance with an
// intersecting port range. Stale files (whose lock is free) are
// cleaned up along the way.
func checkOverlap(lockDir string, startRange, stopRange int) error {
	entries, err := os.ReadDir(lockDir)
	if err != nil {
		return fmt.Errorf("failed to read lock directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		var otherStart, otherStop int
		var id string
		if _, err := fmt.Sscanf(e.Name(), "%d-%d_%s", &otherStart, &otherStop, &id); err != nil {
			continue
		}
		if otherStop <= startRange || stopRange <= otherStart {
			continue
		}

		path := filepath.Join(lockDir, e.Name())
		other := flock.New(path)
		held, err := other.TryLock()
		if err != nil {
			return fmt.Errorf("failed to probe lock %s: %w", path, err)
		}
		if !held {
			return fmt.Errorf("port range [%d,%d) overlaps a running instance (%s)",
				startRange, stopRange, e.Name())
		}
		// Nobody holds it; leftover from an unclean shutdown.
		other.Unlock()
		os.Remove(path)
	}
	return nil
}
