package inventory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Pair-text codec.
//
// Structured sub-fields are stored inside a single CSV column as
// "key1:value1::key2:value2" text. Keys are written in sorted order so the
// encoding is deterministic and the round trip is exact.

const (
	pairSep  = "::"
	fieldSep = ":"
)

func encodePairs(pairs map[string]string) (string, error) {
	if len(pairs) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := pairs[k]
		if strings.Contains(k, fieldSep) || strings.Contains(v, fieldSep) {
			return "", fmt.Errorf("pair %q=%q contains reserved delimiter %q", k, v, fieldSep)
		}
		parts = append(parts, k+fieldSep+v)
	}
	return strings.Join(parts, pairSep), nil
}

func decodePairs(s string) (map[string]string, error) {
	out := map[string]string{}
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, pairSep) {
		k, v, ok := strings.Cut(part, fieldSep)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", part)
		}
		out[k] = v
	}
	return out, nil
}

func encodeIntMap(m map[string]int) (string, error) {
	pairs := make(map[string]string, len(m))
	for k, v := range m {
		pairs[k] = strconv.Itoa(v)
	}
	return encodePairs(pairs)
}

func decodeIntMap(s string) (map[string]int, error) {
	pairs, err := decodePairs(s)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(pairs))
	for k, v := range pairs {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("pair %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func encodeFloatMap(m map[string]float64) (string, error) {
	pairs := make(map[string]string, len(m))
	for k, v := range m {
		// 'g' with -1 precision round-trips float64 exactly.
		pairs[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return encodePairs(pairs)
}

func decodeFloatMap(s string) (map[string]float64, error) {
	pairs, err := decodePairs(s)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for k, v := range pairs {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("pair %q: %w", k, err)
		}
		out[k] = f
	}
	return out, nil
}

// Provenance is flattened into the same pair text: the method plus numbered
// parent/fraction entries.
func encodeProvenance(p Provenance) (string, error) {
	pairs := map[string]string{}
	if p.Method != "" {
		pairs["method"] = p.Method
	}
	for i, parent := range p.Parents {
		n := strconv.Itoa(i + 1)
		pairs["parent"+n] = parent.Composition
		pairs["fraction"+n] = strconv.FormatFloat(parent.Fraction, 'g', -1, 64)
	}
	return encodePairs(pairs)
}

func decodeProvenance(s string) (Provenance, error) {
	pairs, err := decodePairs(s)
	if err != nil {
		return Provenance{}, err
	}

	p := Provenance{Method: pairs["method"]}
	for i := 1; ; i++ {
		n := strconv.Itoa(i)
		comp, ok := pairs["parent"+n]
		if !ok {
			break
		}
		frac := 0.0
		if fs, ok := pairs["fraction"+n]; ok {
			frac, err = strconv.ParseFloat(fs, 64)
			if err != nil {
				return Provenance{}, fmt.Errorf("fraction%s: %w", n, err)
			}
		}
		p.Parents = append(p.Parents, Parent{Composition: comp, Fraction: frac})
	}
	return p, nil
}

// columns is the fixed CSV schema, one column per EntityRecord field.
//
// NOTE: Order is part of the stable on-disk contract. New columns are
// appended, never inserted.
var columns = []string{
	"id",
	"composition",
	"composition_counts",
	"provenance",
	"predicted_properties",
	"stage",
	"search_status",
	"refine_step",
	"refine_status",
	"refine_total_steps",
	"job_dir",
	"job_handle",
	"attempt_count",
	"abandon_reason",
	"best_structure_path",
	"last_observed_at",
	"created_at",
	"updated_at",
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// marshalRow encodes a record into one CSV row matching columns.
func marshalRow(r *EntityRecord) ([]string, error) {
	counts, err := encodeIntMap(r.CompositionCounts)
	if err != nil {
		return nil, fmt.Errorf("composition_counts: %w", err)
	}
	prov, err := encodeProvenance(r.Provenance)
	if err != nil {
		return nil, fmt.Errorf("provenance: %w", err)
	}
	props, err := encodeFloatMap(r.PredictedProperties)
	if err != nil {
		return nil, fmt.Errorf("predicted_properties: %w", err)
	}

	return []string{
		r.ID,
		r.Composition,
		counts,
		prov,
		props,
		string(r.Stage),
		string(r.SearchStatus),
		strconv.Itoa(r.RefineStep),
		string(r.RefineStatus),
		strconv.Itoa(r.RefineTotalSteps),
		r.JobDir,
		r.JobHandle,
		strconv.Itoa(r.AttemptCount),
		r.AbandonReason,
		r.BestStructurePath,
		encodeTime(r.LastObservedAt),
		encodeTime(r.CreatedAt),
		encodeTime(r.UpdatedAt),
	}, nil
}

// unmarshalRow decodes one CSV row back into a record.
func unmarshalRow(row []string) (EntityRecord, error) {
	if len(row) != len(columns) {
		return EntityRecord{}, fmt.Errorf("row has %d columns, want %d", len(row), len(columns))
	}

	var (
		r   EntityRecord
		err error
	)
	r.ID = row[0]
	r.Composition = row[1]
	if r.CompositionCounts, err = decodeIntMap(row[2]); err != nil {
		return EntityRecord{}, fmt.Errorf("composition_counts: %w", err)
	}
	if r.Provenance, err = decodeProvenance(row[3]); err != nil {
		return EntityRecord{}, fmt.Errorf("provenance: %w", err)
	}
	if r.PredictedProperties, err = decodeFloatMap(row[4]); err != nil {
		return EntityRecord{}, fmt.Errorf("predicted_properties: %w", err)
	}
	r.Stage = Stage(row[5])
	r.SearchStatus = StepStatus(row[6])
	if r.RefineStep, err = strconv.Atoi(row[7]); err != nil {
		return EntityRecord{}, fmt.Errorf("refine_step: %w", err)
	}
	r.RefineStatus = StepStatus(row[8])
	if r.RefineTotalSteps, err = strconv.Atoi(row[9]); err != nil {
		return EntityRecord{}, fmt.Errorf("refine_total_steps: %w", err)
	}
	r.JobDir = row[10]
	r.JobHandle = row[11]
	if r.AttemptCount, err = strconv.Atoi(row[12]); err != nil {
		return EntityRecord{}, fmt.Errorf("attempt_count: %w", err)
	}
	r.AbandonReason = row[13]
	r.BestStructurePath = row[14]
	if r.LastObservedAt, err = decodeTime(row[15]); err != nil {
		return EntityRecord{}, fmt.Errorf("last_observed_at: %w", err)
	}
	if r.CreatedAt, err = decodeTime(row[16]); err != nil {
		return EntityRecord{}, fmt.Errorf("created_at: %w", err)
	}
	if r.UpdatedAt, err = decodeTime(row[17]); err != nil {
		return EntityRecord{}, fmt.Errorf("updated_at: %w", err)
	}

	return r, nil
}
