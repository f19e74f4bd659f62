// Package artifacts answers questions about files agents reference by path:
// whether they exist and when they last changed. Contents are never read.
package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

type Store struct {
	fs afero.Fs
}

// New wraps an arbitrary filesystem.
func New(fs afero.Fs) Store {
	return Store{fs: fs}
}

// NewOS roots the store at dir on the host filesystem.
func NewOS(dir string) Store {
	if dir == "" {
		dir = "."
	}
	return Store{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// Normalize cleans a caller-supplied path into the canonical form used as a
// claim key: slash separated, no leading "./", no trailing slash.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(p))
	p = strings.TrimPrefix(p, "./")
	return p
}

func (s Store) Exists(p string) (bool, error) {
	if s.fs == nil {
		return false, errors.New("artifact store not configured")
	}
	_, err := s.fs.Stat(Normalize(p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Missing returns the subset of paths that do not exist.
func (s Store) Missing(paths []string) ([]string, error) {
	var missing []string
	for _, p := range paths {
		ok, err := s.Exists(p)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

// ModifiedAfter lists the paths whose modification time is after t.
// Paths that do not exist are skipped.
func (s Store) ModifiedAfter(paths []string, t time.Time) ([]string, error) {
	var changed []string
	for _, p := range paths {
		info, err := s.fs.Stat(Normalize(p))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if info.ModTime().After(t) {
			changed = append(changed, p)
		}
	}
	return changed, nil
}
