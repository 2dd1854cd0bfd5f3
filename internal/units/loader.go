// Package units turns input paths into tagged processing units. Tags are
// unique across the batch: a basename shared by several units gets a
// zero-padded index suffix.
package units

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/xtal-tools/stillsproc/internal/geometry"
	"github.com/xtal-tools/stillsproc/internal/imageset"
)

// WorkItem is one schedulable unit. In pre-import mode Container is already
// loaded and split to a single frame; in deferred mode it is nil and the
// worker loads Path itself.
type WorkItem struct {
	Tag       string
	Path      string
	Container *imageset.Container
}

// Basename strips the directory and extension from a path.
func Basename(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// BuildPreImport loads every path eagerly, splits multi-frame containers
// into one unit per frame and applies the reference detector override.
// Unreadable containers are logged and skipped; they never abort the batch.
func BuildPreImport(paths []string, reference *geometry.Detector) []WorkItem {
	var containers []*imageset.Container
	var basenames []string
	var indices []int

	for _, path := range paths {
		slog.Info("Loading", "file", filepath.Base(path))
		c, err := imageset.Load(path)
		if err != nil {
			slog.Warn("Could not load file, skipping", "file", path, "error", err)
			continue
		}
		if reference != nil {
			c.SetDetector(reference)
		}
		for _, sub := range c.Split() {
			containers = append(containers, sub)
			basenames = append(basenames, Basename(sub.Frames[0].SourcePath))
			indices = append(indices, sub.Frames[0].Index)
		}
	}

	tags := assignTags(basenames, indices)
	items := make([]WorkItem, 0, len(containers))
	for i, c := range containers {
		items = append(items, WorkItem{
			Tag:       tags[i],
			Path:      c.SourcePath,
			Container: c,
		})
	}
	return items
}

// BuildDeferred produces one unloaded unit per path; loading happens at
// processing time. Colliding basenames are disambiguated by their position
// in the input list.
func BuildDeferred(paths []string) []WorkItem {
	basenames := make([]string, len(paths))
	indices := make([]int, len(paths))
	for i, path := range paths {
		basenames[i] = Basename(path)
		indices[i] = i
	}

	tags := assignTags(basenames, indices)
	items := make([]WorkItem, 0, len(paths))
	for i, path := range paths {
		items = append(items, WorkItem{
			Tag:  tags[i],
			Path: path,
		})
	}
	return items
}

// assignTags gives every unit a batch-unique tag. A basename that occurs
// once is used verbatim. A recurring basename is suffixed with its 5-digit
// frame index when those are distinct within the group (frames split out of
// one multi-frame container); when the frame indices collide too (same-named
// single-frame files from different directories all carry frame 0), the
// whole group falls back to the unit's batch position, which is unique by
// construction.
func assignTags(basenames []string, indices []int) []string {
	counts := make(map[string]int, len(basenames))
	for _, b := range basenames {
		counts[b]++
	}

	collides := make(map[string]bool)
	seen := make(map[string]map[int]bool)
	for i, b := range basenames {
		if seen[b] == nil {
			seen[b] = make(map[int]bool)
		}
		if seen[b][indices[i]] {
			collides[b] = true
		}
		seen[b][indices[i]] = true
	}

	tags := make([]string, len(basenames))
	for i, b := range basenames {
		switch {
		case counts[b] == 1:
			tags[i] = b
		case collides[b]:
			tags[i] = fmt.Sprintf("%s_%05d", b, i)
		default:
			tags[i] = fmt.Sprintf("%s_%05d", b, indices[i])
		}
	}
	return tags
}
