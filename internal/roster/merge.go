package roster

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// IDMapping records an id substitution made while moving records between
// documents.
type IDMapping struct {
	OldID string `json:"oldId"`
	NewID string `json:"newId"`
	NIS   string `json:"nis,omitempty"`
	Nama  string `json:"nama,omitempty"`
}

// MatchByKey finds the record a caller-supplied key refers to. Tiers are
// tried over the whole slice in order: exact id, exact nis, numeric id
// (so "007" finds id 7), then case-insensitive name. It returns -1 when
// nothing matches.
func MatchByKey(records Records, key string) int {
	key = strings.TrimSpace(key)
	if key == "" {
		return -1
	}
	for i, r := range records {
		if r.ID() == key {
			return i
		}
	}
	for i, r := range records {
		if r.NIS() == key {
			return i
		}
	}
	if n, err := strconv.Atoi(key); err == nil {
		for i, r := range records {
			if r.ID() != "" && r.NumericID() == n && isNumeric(r.ID()) {
				return i
			}
		}
	}
	lower := strings.ToLower(key)
	for i, r := range records {
		if name := r.nameKey(); name != "" && name == lower {
			return i
		}
	}
	return -1
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// KeySet holds the identifiers a bulk selection was made with.
type KeySet struct {
	Keys       map[string]struct{}
	NamesLower map[string]struct{}
}

// NewKeySet trims keys and drops blanks. Every key is also a name candidate.
func NewKeySet(keys ...string) KeySet {
	set := KeySet{Keys: map[string]struct{}{}, NamesLower: map[string]struct{}{}}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set.Keys[k] = struct{}{}
		set.NamesLower[strings.ToLower(k)] = struct{}{}
	}
	return set
}

func (k KeySet) Len() int {
	return len(k.Keys)
}

func (k KeySet) Predicate() func(Record) bool {
	return MatchPredicate(k.Keys, k.NamesLower)
}

// MatchPredicate matches a record whose id or nis is in keys, or whose
// lowercased name is in namesLower.
func MatchPredicate(keys, namesLower map[string]struct{}) func(Record) bool {
	return func(r Record) bool {
		if id := r.ID(); id != "" {
			if _, ok := keys[id]; ok {
				return true
			}
		}
		if nis := r.NIS(); nis != "" {
			if _, ok := keys[nis]; ok {
				return true
			}
		}
		if name := r.nameKey(); name != "" {
			if _, ok := namesLower[name]; ok {
				return true
			}
		}
		return false
	}
}

// Partition splits records into those matching pred and the rest, keeping order.
func Partition(records Records, pred func(Record) bool) (matched, rest Records) {
	for _, r := range records {
		if pred(r) {
			matched = append(matched, r)
		} else {
			rest = append(rest, r)
		}
	}
	return matched, rest
}

// CollectUsedIDs returns the positive numeric ids present in records.
func CollectUsedIDs(records Records) map[int]struct{} {
	used := make(map[int]struct{}, len(records))
	for _, r := range records {
		if n := r.NumericID(); n > 0 {
			used[n] = struct{}{}
		}
	}
	return used
}

// AllocateNextID returns the smallest positive integer not in used.
func AllocateNextID(used map[int]struct{}) int {
	for id := 1; ; id++ {
		if _, taken := used[id]; !taken {
			return id
		}
	}
}

// MergeRecordSets concatenates destination and incoming, then drops any
// record whose id or nis was already seen. Destination entries therefore
// win. Records with neither id nor nis are deduplicated by name, or by
// their full content when unnamed, which keeps the merge idempotent.
func MergeRecordSets(destination, incoming Records) Records {
	merged := make(Records, 0, len(destination)+len(incoming))
	seenID := map[string]struct{}{}
	seenNIS := map[string]struct{}{}
	seenOther := map[string]struct{}{}
	for _, r := range append(append(Records{}, destination...), incoming...) {
		id, nis := r.ID(), r.NIS()
		if id == "" && nis == "" {
			key := "nama:" + r.nameKey()
			if r.nameKey() == "" {
				raw, _ := json.Marshal(r)
				key = "raw:" + string(raw)
			}
			if _, dup := seenOther[key]; dup {
				continue
			}
			seenOther[key] = struct{}{}
			merged = append(merged, r)
			continue
		}
		if _, dup := seenID[id]; id != "" && dup {
			continue
		}
		if _, dup := seenNIS[nis]; nis != "" && dup {
			continue
		}
		if id != "" {
			seenID[id] = struct{}{}
		}
		if nis != "" {
			seenNIS[nis] = struct{}{}
		}
		merged = append(merged, r)
	}
	return merged
}

// RemapIDs prepares incoming records for merging into destination. A
// record that is already present in destination (same nis, or same name
// when it has no nis) is left alone so the merge drops it. Otherwise a
// caller-supplied mapping for the record's id is applied when its target
// id is free in destination. A mapping onto a taken id is ignored. Any
// record whose id is still taken gets a fresh gap-first id. Every substitution
// is reported. Incoming records are cloned, never modified in place.
func RemapIDs(destination, incoming Records, supplied []IDMapping) (Records, []IDMapping) {
	explicit := map[string]string{}
	for _, m := range supplied {
		oldID, newID := strings.TrimSpace(m.OldID), strings.TrimSpace(m.NewID)
		if oldID != "" && newID != "" {
			explicit[oldID] = newID
		}
	}
	destIDs := map[string]struct{}{}
	destNIS := map[string]struct{}{}
	destNames := map[string]struct{}{}
	for _, r := range destination {
		if id := r.ID(); id != "" {
			destIDs[id] = struct{}{}
		}
		if nis := r.NIS(); nis != "" {
			destNIS[nis] = struct{}{}
		} else if name := r.nameKey(); name != "" {
			destNames[name] = struct{}{}
		}
	}
	used := CollectUsedIDs(destination)
	for id := range CollectUsedIDs(incoming) {
		used[id] = struct{}{}
	}
	for _, newID := range explicit {
		if n := leadingInt(newID); n > 0 {
			used[n] = struct{}{}
		}
	}

	out := make(Records, 0, len(incoming))
	var mappings []IDMapping
	for _, original := range incoming {
		r := original.Clone()
		oldID := r.ID()
		if alreadyPresent(r, destNIS, destNames) {
			out = append(out, r)
			continue
		}
		if newID, ok := explicit[oldID]; ok && newID != oldID {
			if _, taken := destIDs[newID]; !taken {
				if _, isString := r[fieldID].(string); isString {
					r[fieldID] = newID
				} else if n, err := strconv.Atoi(newID); err == nil {
					r.setID(n)
				} else {
					r[fieldID] = newID
				}
				mappings = append(mappings, IDMapping{OldID: oldID, NewID: newID, NIS: r.NIS(), Nama: r.Name()})
				destIDs[newID] = struct{}{}
				out = append(out, r)
				continue
			}
		}
		if _, taken := destIDs[oldID]; oldID != "" && taken {
			n := AllocateNextID(used)
			used[n] = struct{}{}
			r.setID(n)
			mappings = append(mappings, IDMapping{OldID: oldID, NewID: r.ID(), NIS: r.NIS(), Nama: r.Name()})
		}
		if id := r.ID(); id != "" {
			destIDs[id] = struct{}{}
		}
		out = append(out, r)
	}
	return out, mappings
}

func alreadyPresent(r Record, destNIS, destNames map[string]struct{}) bool {
	if nis := r.NIS(); nis != "" {
		_, ok := destNIS[nis]
		return ok
	}
	if name := r.nameKey(); name != "" {
		_, ok := destNames[name]
		return ok
	}
	return false
}

// SortByID orders records by NumericID. The sort is stable, so records
// with equal or non-numeric ids keep their relative order.
func SortByID(records Records) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].NumericID() < records[j].NumericID()
	})
}
