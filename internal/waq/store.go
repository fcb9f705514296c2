package waq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const pendingExt = ".pending"

// Item is one unit of pending work: a payload bound to a lane, persisted
// before the lane queue accepts it.
type Item struct {
	ID         string    `json:"id"`
	LaneID     string    `json:"laneId"`
	Payload    string    `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Store keeps one JSON file per in-flight item so queued work survives a
// crash. Records are written before an item enters its lane and removed
// after its handler returns.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string { return s.dir }

// Write persists a new record and returns it. Persistence is best-effort:
// an I/O failure is logged and the item proceeds without crash protection.
func (s *Store) Write(laneID, payload string) Item {
	item := Item{
		ID:         recordID(laneID),
		LaneID:     laneID,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(item)
	if err == nil {
		err = os.WriteFile(filepath.Join(s.dir, item.ID+pendingExt), data, 0o644)
	}
	if err != nil {
		s.logger.Warn("queue record not persisted", "lane", laneID, "id", item.ID, "error", err)
	}
	return item
}

// Complete removes the record for a finished item. Completing a record
// that does not exist is a no-op.
func (s *Store) Complete(id string) {
	if id == "" {
		return
	}
	err := os.Remove(filepath.Join(s.dir, id+pendingExt))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("queue record not removed", "id", id, "error", err)
	}
}

// LoadPending returns every surviving record sorted by enqueue time,
// oldest first. Unreadable records are skipped with a warning.
func (s *Store) LoadPending() []Item {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("queue dir not readable", "dir", s.dir, "error", err)
		return nil
	}
	var items []Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pendingExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("queue record not readable", "file", e.Name(), "error", err)
			continue
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			s.logger.Warn("queue record corrupt, skipping", "file", e.Name(), "error", err)
			continue
		}
		if item.ID == "" {
			item.ID = strings.TrimSuffix(e.Name(), pendingExt)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	return items
}

// PendingCount reports how many records are currently on disk.
func (s *Store) PendingCount() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), pendingExt) {
			n++
		}
	}
	return n
}

// recordID builds a filename-safe ID from the sanitized lane, the enqueue
// time in milliseconds, and a random suffix. The millisecond component
// keeps lexical order close to enqueue order for same-lane records.
func recordID(laneID string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s__%d__%s", sanitizeLane(laneID), time.Now().UnixMilli(), suffix)
}

// sanitizeLane maps a lane ID onto characters safe in a filename. Lane IDs
// like "telegram:12345" carry channel separators that must not reach the
// filesystem.
func sanitizeLane(laneID string) string {
	var b strings.Builder
	b.Grow(len(laneID))
	for _, r := range laneID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "lane"
	}
	return b.String()
}
