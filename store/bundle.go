// CLAUDE:SUMMARY Streams a run's artifact tree as a deterministic tar.gz bundle.
package store

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BuildBundle streams the run's artifact tree as a tar.gz. Entries are
// sorted and timestamps zeroed so the same tree always produces the same
// bytes.
func (s *Store) BuildBundle(w io.Writer, rec *Record) error {
	var paths []string
	err := filepath.WalkDir(rec.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: walk run dir: %w", err)
	}
	sort.Strings(paths)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, path := range paths {
		rel, err := filepath.Rel(rec.Dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("store: bundle %s: %w", rel, err)
		}
		hdr := &tar.Header{
			Name:    strings.ReplaceAll(rel, string(filepath.Separator), "/"),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
