package inventory

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/latticeworks/propagator/pkg/ident"
)

// idRetryLimit bounds identifier generation retries in Create. A collision
// is astronomically unlikely but not impossible; hitting the limit means
// something is badly wrong (e.g., a broken entropy source) and is fatal.
const idRetryLimit = 16

// Store persists and loads EntityRecords from a CSV inventory table.
//
// Every mutation rewrites the table to a temp file in the same directory and
// renames it over the original, so concurrent readers observe either the
// pre- or post-mutation table, never a partial write.
//
// Store serializes same-record updates: callers doing a read-modify-write of
// one entity must hold its record lock via LockRecord for the duration.
type Store struct {
	path string

	// mu guards the load-rewrite-rename cycle.
	mu sync.Mutex

	// recordLocks holds one *sync.Mutex per entity id.
	recordLocks sync.Map
}

// NewStore returns a Store over the inventory table at path. The table must
// already exist; use Init to create a fresh one.
func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

// Path returns the inventory table path.
func (s *Store) Path() string {
	return s.path
}

// Init creates an empty inventory table at path, failing if one exists.
func Init(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, &StoreError{Op: "Init", Path: path, Err: fmt.Errorf("inventory path is required")}
	}
	if _, err := os.Stat(path); err == nil {
		return nil, &StoreError{Op: "Init", Path: path, Err: fmt.Errorf("inventory already exists")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StoreError{Op: "Init", Path: path, Err: err}
	}

	s := &Store{path: path}
	if err := s.writeAll(nil); err != nil {
		return nil, err
	}
	return s, nil
}

// LockRecord acquires the single-writer lock for one entity id and returns
// the unlock function. Distinct ids lock independently.
func (s *Store) LockRecord(id string) func() {
	v, _ := s.recordLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Load reads the full table, preserving row order.
//
// An unreadable or unparseable table fails with ErrStorageCorrupt: nothing
// is safe to continue once the shared table's integrity is in doubt.
func (s *Store) Load() ([]EntityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() ([]EntityRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &StoreError{Op: "Load", Path: s.path, Err: err}
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(columns)

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, &StoreError{Op: "Load", Path: s.path, Err: fmt.Errorf("%w: %v", ErrStorageCorrupt, err)}
	}
	if len(rows) == 0 {
		return nil, &StoreError{Op: "Load", Path: s.path, Err: fmt.Errorf("%w: missing header", ErrStorageCorrupt)}
	}
	if !headerMatches(rows[0]) {
		return nil, &StoreError{Op: "Load", Path: s.path, Err: fmt.Errorf("%w: unexpected header", ErrStorageCorrupt)}
	}

	out := make([]EntityRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := unmarshalRow(row)
		if err != nil {
			return nil, &StoreError{Op: "Load", Path: s.path, Err: fmt.Errorf("%w: row %d: %v", ErrStorageCorrupt, i+2, err)}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the record for one entity id.
func (s *Store) Get(id string) (EntityRecord, error) {
	records, err := s.Load()
	if err != nil {
		return EntityRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return EntityRecord{}, &StoreError{Op: "Get", Path: s.path, ID: id, Err: ErrNotFound}
}

// Upsert durably writes one record's full row, replacing the existing row
// with the same id or appending a new one. The record's UpdatedAt is set.
func (s *Store) Upsert(rec *EntityRecord) error {
	if rec == nil {
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("record is nil")}
	}
	if strings.TrimSpace(rec.ID) == "" {
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("record id is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	rec.UpdatedAt = time.Now().UTC()

	replaced := false
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = *rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, *rec)
	}

	return s.writeAll(records)
}

// Create allocates a fresh unique id and appends a NotStarted row.
func (s *Store) Create(composition string, counts map[string]int, prov Provenance, props map[string]float64, refineTotalSteps int) (EntityRecord, error) {
	if strings.TrimSpace(composition) == "" {
		return EntityRecord{}, &StoreError{Op: "Create", Path: s.path, Err: fmt.Errorf("composition is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return EntityRecord{}, err
	}

	existing := make(map[string]struct{}, len(records))
	for _, rec := range records {
		existing[rec.ID] = struct{}{}
	}

	id := ""
	for attempt := 0; attempt < idRetryLimit; attempt++ {
		candidate := ident.New()
		if _, taken := existing[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return EntityRecord{}, &StoreError{Op: "Create", Path: s.path, Err: ErrDuplicateID}
	}

	now := time.Now().UTC()
	rec := EntityRecord{
		ID:                  id,
		Composition:         strings.TrimSpace(composition),
		CompositionCounts:   counts,
		Provenance:          prov,
		PredictedProperties: props,
		Stage:               StageNotStarted,
		RefineTotalSteps:    refineTotalSteps,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	records = append(records, rec)
	if err := s.writeAll(records); err != nil {
		return EntityRecord{}, err
	}
	return rec, nil
}

// writeAll rewrites the whole table atomically: temp file in the same
// directory, fsync'd, then renamed over the original.
func (s *Store) writeAll(records []EntityRecord) error {
	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("create temp table: %w", err)}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	writer := csv.NewWriter(tmp)
	if err := writer.Write(columns); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("write header: %w", err)}
	}
	for i := range records {
		row, err := marshalRow(&records[i])
		if err != nil {
			_ = tmp.Close()
			return &StoreError{Op: "Upsert", Path: s.path, ID: records[i].ID, Err: err}
		}
		if err := writer.Write(row); err != nil {
			_ = tmp.Close()
			return &StoreError{Op: "Upsert", Path: s.path, ID: records[i].ID, Err: err}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "Upsert", Path: s.path, Err: err}
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("sync temp table: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("close temp table: %w", err)}
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return &StoreError{Op: "Upsert", Path: s.path, Err: fmt.Errorf("rename table: %w", err)}
	}
	return nil
}

func headerMatches(row []string) bool {
	if len(row) != len(columns) {
		return false
	}
	for i, col := range columns {
		if row[i] != col {
			return false
		}
	}
	return true
}
