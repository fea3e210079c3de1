package buffer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// segmentExtensions are the media files an encoder or the disk mirror leaves
// in a stream's output directory.
var segmentExtensions = map[string]struct{}{
	".ts":  {},
	".m4s": {},
	".mp4": {},
	".aac": {},
}

// SegmentFile is one media file in an output directory.
type SegmentFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// MirrorName is the file name the disk mirror uses for sequence n.
func MirrorName(n int64) string {
	return fmt.Sprintf("segment_%06d.ts", n)
}

// IsSegmentFile reports whether name looks like a media segment.
func IsSegmentFile(name string) bool {
	_, ok := segmentExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ListSegmentFiles returns the segment files directly inside dir, oldest
// first. A missing directory yields fs.ErrNotExist.
func ListSegmentFiles(dir string) ([]SegmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]SegmentFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsSegmentFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files = append(files, SegmentFile{Path: filepath.Join(dir, entry.Name()), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// DirSize sums the size of every regular file under dir.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
