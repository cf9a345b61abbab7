// Package skipgate records and checks "input too small" decisions so that a
// re-run over unchanged input reaches the same skip without recomputation.
package skipgate

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/monitoring"
)

// Stage identifies the guard that produced a marker.
type Stage string

const (
	// StageFeatures guards the raw feature count before any embedding work.
	StageFeatures Stage = "f"
	// StageSamples guards the sample count after normalisation.
	StageSamples Stage = "s"
)

// Hard thresholds; they are not configurable.
const (
	// MinFeatures is the smallest feature count worth embedding.
	MinFeatures = 10
	// MaxSkippedSamples is the largest sample count that is skipped.
	MaxSkippedSamples = 50
)

// Key identifies a skip decision.
type Key struct {
	Dir   string
	Count int
	Stage Stage
}

// Name is the marker file name, e.g. "xphate_skip_8f".
func (k Key) Name() string {
	return "xphate_skip_" + strconv.Itoa(k.Count) + string(k.Stage)
}

// Path is the marker file path.
func (k Key) Path() string {
	return filepath.Join(k.Dir, k.Name())
}

// TooSmall reports whether Count fails the threshold of Stage.
func (k Key) TooSmall() bool {
	switch k.Stage {
	case StageFeatures:
		return k.Count < MinFeatures
	case StageSamples:
		return k.Count <= MaxSkippedSamples
	}
	return false
}

// Store persists skip markers.
type Store interface {
	Exists(k Key) (bool, error)
	Mark(k Key) error
}

// FileStore keeps markers as zero-byte files.
type FileStore struct {
	FS fsutil.FileSystem
}

// Exists implements Store.
func (s *FileStore) Exists(k Key) (bool, error) {
	return s.FS.Exists(k.Path()), nil
}

// Mark implements Store.
func (s *FileStore) Mark(k Key) error {
	if err := s.FS.MkdirAll(k.Dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	return s.FS.WriteFile(k.Path(), nil, 0o644)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[Key]bool
	// Writes counts successful Mark calls.
	Writes int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[Key]bool{}}
}

// Exists implements Store.
func (s *MemoryStore) Exists(k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[k], nil
}

// Mark implements Store.
func (s *MemoryStore) Mark(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[k] = true
	s.Writes++
	return nil
}

// Decision is the outcome of a gate check.
type Decision struct {
	Skip   bool
	Key    Key
	Reason string
	// Cached is set when an existing marker decided the skip.
	Cached bool
}

// Gate applies the thresholds against a Store.
type Gate struct {
	Store Store
}

// CheckOrMark skips when a marker for k already exists, or when k's count is
// under its stage threshold, in which case the marker is written first.
func (g *Gate) CheckOrMark(k Key) (Decision, error) {
	exists, err := g.Store.Exists(k)
	if err != nil {
		return Decision{}, fmt.Errorf("check skip marker %s: %w", k.Name(), err)
	}
	if exists {
		d := Decision{Skip: true, Key: k, Cached: true, Reason: "skip marker " + k.Name() + " present"}
		monitoring.Logf("skipping: %s (%s)", d.Reason, k.Path())
		return d, nil
	}
	if !k.TooSmall() {
		return Decision{Key: k}, nil
	}
	if err := g.Store.Mark(k); err != nil {
		return Decision{}, fmt.Errorf("write skip marker %s: %w", k.Name(), err)
	}
	d := Decision{Skip: true, Key: k, Reason: reason(k)}
	monitoring.Logf("skipping: %s; marker written to %s", d.Reason, k.Path())
	return d, nil
}

func reason(k Key) string {
	switch k.Stage {
	case StageFeatures:
		return fmt.Sprintf("too few features (%d < %d)", k.Count, MinFeatures)
	case StageSamples:
		return fmt.Sprintf("too few samples (%d <= %d)", k.Count, MaxSkippedSamples)
	}
	return "below threshold"
}
