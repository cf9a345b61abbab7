package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/xphate/internal/skipgate"
)

// SkipStore keeps skip markers in sqlite. It implements skipgate.Store.
type SkipStore struct {
	db *sql.DB
}

var _ skipgate.Store = (*SkipStore)(nil)

// NewSkipStore creates a new SkipStore.
func NewSkipStore(db *DB) *SkipStore {
	return &SkipStore{db: db.DB}
}

// Exists implements skipgate.Store.
func (s *SkipStore) Exists(k skipgate.Key) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM xphate_skip_markers WHERE dir = ? AND count = ? AND stage = ?`,
		k.Dir, k.Count, string(k.Stage),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying skip marker %s: %w", k.Name(), err)
	}
	return n > 0, nil
}

// Mark implements skipgate.Store. Marking twice is a no-op.
func (s *SkipStore) Mark(k skipgate.Key) error {
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO xphate_skip_markers (dir, count, stage, created_at) VALUES (?, ?, ?, ?)`,
			k.Dir, k.Count, string(k.Stage), time.Now().UTC().Format(time.RFC3339),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting skip marker %s: %w", k.Name(), err)
	}
	return nil
}
