package wagate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// credStore persists one credential file per user under the sessions dir.
// Files are written atomically (temp + rename) with 0600 so a crash mid-write
// never leaves a truncated credential behind.
type credStore struct {
	dir string
}

func newCredStore(dir string) (*credStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("wagate: sessions dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("wagate: create sessions dir: %w", err)
	}
	return &credStore{dir: dir}, nil
}

func (c *credStore) path(userID int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("user-%d.json", userID))
}

// Save replaces the user's credential on disk.
func (c *credStore) Save(userID int64, credential []byte) error {
	dst := c.path(userID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, credential, 0o600); err != nil {
		return fmt.Errorf("wagate: write credential: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("wagate: commit credential: %w", err)
	}
	return nil
}

// Load returns the persisted credential, or (nil, nil) when none exists.
func (c *credStore) Load(userID int64) ([]byte, error) {
	b, err := os.ReadFile(c.path(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wagate: read credential: %w", err)
	}
	return b, nil
}

// Backup copies the current credential to a timestamped sibling and removes
// the live file. Called before any destructive session reset so a pairing can
// be recovered by hand if the reset turns out to be a mistake.
func (c *credStore) Backup(userID int64, now time.Time) (string, error) {
	src := c.path(userID)
	b, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("wagate: read credential for backup: %w", err)
	}
	bak := src + ".bak-" + strconv.FormatInt(now.Unix(), 10)
	if err := os.WriteFile(bak, b, 0o600); err != nil {
		return "", fmt.Errorf("wagate: write credential backup: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return bak, fmt.Errorf("wagate: remove credential after backup: %w", err)
	}
	return bak, nil
}

// LoadAll lists every user with a persisted credential.
func (c *credStore) LoadAll() (map[int64][]byte, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("wagate: list sessions dir: %w", err)
	}
	out := make(map[int64][]byte)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "user-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "user-"), ".json"), 10, 64)
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return nil, fmt.Errorf("wagate: read credential for user %d: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}
