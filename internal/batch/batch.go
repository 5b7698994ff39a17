// Package batch admits a directory of images with a bounded worker pool.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/verdict"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// Evaluator admits one normalized image.
type Evaluator interface {
	Evaluate(img imaging.Image) (verdict.Decision, error)
}

// Result is the outcome for one file. Err is set when the file could not be
// read, decoded or evaluated.
type Result struct {
	Path     string           `yaml:"path"`
	Decision verdict.Decision `yaml:"decision,omitempty"`
	Err      error            `yaml:"-"`
}

// Summary counts outcomes over a run.
type Summary struct {
	Total     int                   `yaml:"total"`
	Accepted  int                   `yaml:"accepted"`
	Rejected  int                   `yaml:"rejected"`
	Uncertain int                   `yaml:"uncertain"`
	Failed    int                   `yaml:"failed"`
	Causes    map[verdict.Cause]int `yaml:"causes,omitempty"`
	Labels    map[string]int        `yaml:"labels,omitempty"`
}

// Runner fans files out to a fixed number of workers.
type Runner struct {
	eval      Evaluator
	workers   int
	imageSize int
	logger    *zap.Logger
}

func NewRunner(eval Evaluator, workers, imageSize int, logger *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if imageSize < 1 {
		imageSize = imaging.DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{eval: eval, workers: workers, imageSize: imageSize, logger: logger.Named("batch")}
}

// Collect lists image files under dir, recursively, in lexical order.
func Collect(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

type job struct {
	index int
	path  string
}

// Run evaluates every path and returns results in input order. done, when
// non-nil, is called once per finished file from the collecting goroutine.
// Files not started before ctx is cancelled report ctx.Err().
func (r *Runner) Run(ctx context.Context, paths []string, done func(Result)) []Result {
	results := make([]Result, len(paths))
	jobs := make(chan job, r.workers)
	finished := make(chan job, r.workers)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range jobs {
				results[j.index] = r.admit(ctx, workerID, j.path)
				finished <- j
			}
		}(w)
	}

	go func() {
		defer close(jobs)
		for i, path := range paths {
			select {
			case jobs <- job{index: i, path: path}:
			case <-ctx.Done():
				for k := i; k < len(paths); k++ {
					results[k] = Result{Path: paths[k], Err: ctx.Err()}
				}
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(finished)
	}()

	for j := range finished {
		if done != nil {
			done(results[j.index])
		}
	}
	return results
}

func (r *Runner) admit(ctx context.Context, workerID int, path string) Result {
	res := Result{Path: path}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	f, err := os.Open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer f.Close()

	src, _, err := imaging.Decode(f)
	if err != nil {
		res.Err = fmt.Errorf("decode %s: %w", path, err)
		return res
	}
	img, err := imaging.Normalize(src, r.imageSize)
	if err != nil {
		res.Err = fmt.Errorf("normalize %s: %w", path, err)
		return res
	}

	dec, err := r.eval.Evaluate(img)
	if err != nil {
		r.logger.Warn("evaluation failed", zap.Int("worker_id", workerID), zap.String("path", path), zap.Error(err))
		res.Err = err
		return res
	}
	res.Decision = dec
	return res
}

// Summarize tallies results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), Causes: map[verdict.Cause]int{}, Labels: map[string]int{}}
	for _, res := range results {
		if res.Err != nil {
			s.Failed++
			continue
		}
		switch res.Decision.Outcome {
		case verdict.OutcomeAccept:
			s.Accepted++
			s.Labels[res.Decision.Label]++
		case verdict.OutcomeUncertain:
			s.Uncertain++
		case verdict.OutcomeReject:
			s.Rejected++
			s.Causes[res.Decision.Cause]++
		}
	}
	return s
}
