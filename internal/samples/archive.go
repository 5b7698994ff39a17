// Package samples keeps copies of rejected and uncertain images, and
// optionally accepted ones, together with their diagnostics so thresholds
// can be recalibrated later.
package samples

import (
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/leafcheck/internal/imaging"
	"github.com/example/leafcheck/internal/verdict"
)

const jpegQuality = 90

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Record is the sidecar written next to each retained image.
type Record struct {
	RequestID string           `yaml:"request_id"`
	Filename  string           `yaml:"filename,omitempty"`
	SavedAt   time.Time        `yaml:"saved_at"`
	Decision  verdict.Decision `yaml:"decision"`
}

// Archive writes samples under dir/<outcome>/.
type Archive struct {
	dir          string
	keepAccepted bool
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithAccepted makes the archive retain accepted decisions under
// dir/accept/ as well.
func WithAccepted(keep bool) Option {
	return func(a *Archive) { a.keepAccepted = keep }
}

// NewArchive creates an archive rooted at dir.
func NewArchive(dir string, logger *zap.Logger, opts ...Option) *Archive {
	a := &Archive{dir: dir, now: time.Now, logger: logger.Named("sample_archive")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Save stores img and returns the image path. Accepted decisions are
// ignored unless the archive was built WithAccepted(true).
func (a *Archive) Save(requestID, filename string, img imaging.Image, dec verdict.Decision) (string, error) {
	if img.Empty() || (dec.Accepted() && !a.keepAccepted) {
		return "", nil
	}

	dir := filepath.Join(a.dir, string(dec.Outcome))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create sample dir: %w", err)
	}

	now := a.now().UTC()
	base := sampleName(now, requestID, dec)
	path := filepath.Join(dir, base+".jpg")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create sample: %w", err)
	}
	if err := jpeg.Encode(f, img.Raster(), &jpeg.Options{Quality: jpegQuality}); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode sample: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	sidecar, err := yaml.Marshal(Record{RequestID: requestID, Filename: filename, SavedAt: now, Decision: dec})
	if err != nil {
		return "", fmt.Errorf("failed to encode sample record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".yaml"), sidecar, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sample record: %w", err)
	}

	a.logger.Debug("sample saved", zap.String("path", path), zap.String("request_id", requestID))
	return path, nil
}

func sampleName(now time.Time, requestID string, dec verdict.Decision) string {
	parts := []string{now.Format("20060102T150405"), requestID}
	if dec.Label != "" {
		parts = append(parts, dec.Label)
	}
	if dec.Cause != verdict.CauseNone {
		parts = append(parts, string(dec.Cause))
	}
	if ec, ok := dec.Diagnostics.LastEmbedding(); ok {
		parts = append(parts, fmt.Sprintf("d%.2f", ec.Distance))
	}
	return unsafeChars.ReplaceAllString(strings.Join(parts, "_"), "-")
}
