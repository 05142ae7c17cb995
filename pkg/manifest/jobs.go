package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/aerobatch/pkg/pipeline"
)

// JobNameTimeFormat is the timestamp suffix of discovered job names.
const JobNameTimeFormat = "20060102_150405"

// ErrNoJobs is returned when a manifest resolves to an empty batch.
var ErrNoJobs = errors.New("manifest has no jobs")

// ResolveJobs returns the batch in run order: listed jobs first, then discovered
// geometry in lexical path order. Discovered jobs are named
// <base>_<YYYYmmdd_HHMMSS> using now. Names are unique across the batch.
func (b *Batch) ResolveJobs(now time.Time) ([]pipeline.Job, error) {
	var jobs []pipeline.Job
	seen := make(map[string]bool)

	for _, jc := range b.Jobs {
		if seen[jc.Name] {
			return nil, fmt.Errorf("jobs: duplicate name %q", jc.Name)
		}
		seen[jc.Name] = true
		out := jc.OutputDir
		if out == "" {
			out = filepath.Join(b.Output.Root, jc.Name)
		}
		jobs = append(jobs, pipeline.Job{
			Name:         jc.Name,
			GeometryPath: b.resolve(jc.Geometry),
			Variant:      jc.Variant,
			Dimensions:   jc.Dimensions,
			OutputDir:    b.resolve(out),
		})
	}

	if b.Discover != nil {
		paths, err := b.Discover.Find(b.resolve(b.Discover.Root))
		if err != nil {
			return nil, err
		}
		stamp := now.Format(JobNameTimeFormat)
		for _, p := range paths {
			name := uniqueName(seen, jobBase(p)+"_"+stamp)
			jobs = append(jobs, pipeline.Job{
				Name:         name,
				GeometryPath: p,
				Variant:      b.Discover.Variant,
				Dimensions:   b.Discover.Dimensions,
				OutputDir:    filepath.Join(b.OutputRoot(), name),
			})
		}
	}

	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Find returns up to Limit files under root matching Pattern, sorted.
func (d *DiscoverConfig) Find(root string) ([]string, error) {
	pattern := d.Pattern
	if pattern == "" {
		pattern = DefaultDiscoverPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("discover: invalid pattern %q", pattern)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discover: %s is not a directory", root)
	}

	var matches []string
	err = doublestar.GlobWalk(os.DirFS(root), pattern, func(p string, entry fs.DirEntry) error {
		if entry.IsDir() {
			return nil
		}
		matches = append(matches, filepath.Join(root, filepath.FromSlash(p)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	sort.Strings(matches)
	limit := d.Limit
	if limit <= 0 {
		limit = DefaultDiscoverLimit
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func jobBase(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func uniqueName(seen map[string]bool, name string) string {
	candidate := name
	for i := 2; seen[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	seen[candidate] = true
	return candidate
}
