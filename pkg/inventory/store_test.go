package inventory

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.csv")
	s, err := Init(path)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return s
}

func TestInit_RefusesExisting(t *testing.T) {
	s := newTestStore(t)
	if _, err := Init(s.Path()); err == nil {
		t.Fatal("expected error initializing over an existing table")
	}
}

func TestStore_CreateLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Create("LiMgF3",
		map[string]int{"Li": 1, "Mg": 1, "F": 3},
		Provenance{Method: "interpolation", Parents: []Parent{{Composition: "LiF", Fraction: 0.5}, {Composition: "MgF2", Fraction: 0.5}}},
		map[string]float64{"band_gap": 7.2},
		3,
	)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("Create() returned empty id")
	}
	if rec.Stage != StageNotStarted {
		t.Fatalf("new record stage: got=%q want=%q", rec.Stage, StageNotStarted)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("unexpected record count: %d", len(records))
	}
	if !reflect.DeepEqual(records[0], rec) {
		t.Fatalf("loaded record mismatch:\n got=%#v\nwant=%#v", records[0], rec)
	}
}

func TestStore_CreateAssignsDistinctIDs(t *testing.T) {
	s := newTestStore(t)

	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		rec, err := s.Create("NaCl"+strconv.Itoa(i), nil, Provenance{Method: "seed"}, nil, 2)
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if _, dup := seen[rec.ID]; dup {
			t.Fatalf("duplicate id %s", rec.ID)
		}
		seen[rec.ID] = struct{}{}
	}
}

func TestStore_UpsertReplacesRow(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Create("KBr", nil, Provenance{Method: "seed"}, nil, 1)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	rec.Stage = StageStructureSearch
	rec.SearchStatus = StatusSubmitted
	rec.JobHandle = "12345"
	if err := s.Upsert(&rec); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.SearchStatus != StatusSubmitted || got.JobHandle != "12345" {
		t.Fatalf("upsert not applied: %#v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set by Upsert")
	}

	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("upsert duplicated the row: count=%d", len(records))
	}
}

func TestStore_UpsertPreservesRowOrder(t *testing.T) {
	s := newTestStore(t)

	first, _ := s.Create("AgCl", nil, Provenance{}, nil, 1)
	second, _ := s.Create("CuO", nil, Provenance{}, nil, 1)

	first.Stage = StageStructureSearch
	if err := s.Upsert(&first); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if records[0].ID != first.ID || records[1].ID != second.ID {
		t.Fatalf("row order changed: %s, %s", records[0].ID, records[1].ID)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope1")
	if !IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_LoadCorruptTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.csv")
	if err := os.WriteFile(path, []byte("this is not, a valid\n\"inventory table"), 0644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s := NewStore(path)
	_, err := s.Load()
	if !IsStorageCorrupt(err) {
		t.Fatalf("expected ErrStorageCorrupt, got %v", err)
	}
}

func TestStore_LoadWrongHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.csv")
	header := "a,b,c,d,e,f,g,h,i,j,k,l,m,n,o,p,q,r\n"
	if err := os.WriteFile(path, []byte(header), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := NewStore(path)
	_, err := s.Load()
	if !IsStorageCorrupt(err) {
		t.Fatalf("expected ErrStorageCorrupt, got %v", err)
	}
}

func TestStore_ConcurrentUpsertsDistinctIDs(t *testing.T) {
	s := newTestStore(t)

	recs := make([]EntityRecord, 8)
	for i := range recs {
		rec, err := s.Create("Mg2Si"+strconv.Itoa(i), nil, Provenance{}, nil, 1)
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		recs[i] = rec
	}

	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(rec EntityRecord) {
			defer wg.Done()
			unlock := s.LockRecord(rec.ID)
			defer unlock()
			rec.Stage = StageStructureSearch
			rec.SearchStatus = StatusWaiting
			if err := s.Upsert(&rec); err != nil {
				t.Errorf("Upsert(%s) error: %v", rec.ID, err)
			}
		}(recs[i])
	}
	wg.Wait()

	records, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(records) != len(recs) {
		t.Fatalf("row count changed: got=%d want=%d", len(records), len(recs))
	}
	for _, rec := range records {
		if rec.Stage != StageStructureSearch {
			t.Fatalf("lost update on %s: stage=%q", rec.ID, rec.Stage)
		}
	}
}

func TestStore_LockRecordSerializesSameID(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.Create("TiO2", nil, Provenance{}, nil, 1)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.LockRecord(rec.ID)
			defer unlock()
			cur, err := s.Get(rec.ID)
			if err != nil {
				t.Errorf("Get() error: %v", err)
				return
			}
			cur.AttemptCount++
			if err := s.Upsert(&cur); err != nil {
				t.Errorf("Upsert() error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.AttemptCount != writers {
		t.Fatalf("lost updates: attempt_count=%d want=%d", got.AttemptCount, writers)
	}
}
