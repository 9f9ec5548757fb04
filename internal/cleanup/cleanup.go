// Package cleanup implements pruning of stored slice images.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type sliceFile struct {
	name    string
	modTime time.Time
}

// listSlices returns the slice images in dir, oldest first. Only .png files
// are considered; anything else in the directory is left alone.
func listSlices(dir string) ([]sliceFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading slice directory: %w", err)
	}

	var files []sliceFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".png") {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		files = append(files, sliceFile{name: entry.Name(), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].name < files[j].name
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

func remove(dir string, names []string, dryRun bool) ([]string, error) {
	var pruned []string
	for _, name := range names {
		if !dryRun {
			if rmErr := os.Remove(filepath.Join(dir, name)); rmErr != nil && !os.IsNotExist(rmErr) {
				return pruned, fmt.Errorf("removing %s: %w", name, rmErr)
			}
		}
		pruned = append(pruned, name)
	}
	return pruned, nil
}

// PruneByAge removes slice images last written before now-maxAge.
// If dryRun is true, no files are deleted; the function only returns
// the names that would be removed.
func PruneByAge(sliceDir string, maxAge time.Duration, now time.Time, dryRun bool) ([]string, error) {
	files, err := listSlices(sliceDir)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-maxAge)
	var names []string
	for _, f := range files {
		if f.modTime.Before(cutoff) {
			names = append(names, f.name)
		}
	}
	return remove(sliceDir, names, dryRun)
}

// PruneKeepRecent removes all slice images except the keep most recently
// written. If dryRun is true, no files are deleted.
func PruneKeepRecent(sliceDir string, keep int, dryRun bool) ([]string, error) {
	files, err := listSlices(sliceDir)
	if err != nil {
		return nil, err
	}
	if len(files) <= keep {
		return nil, nil
	}

	var names []string
	for _, f := range files[:len(files)-keep] {
		names = append(names, f.name)
	}
	return remove(sliceDir, names, dryRun)
}
