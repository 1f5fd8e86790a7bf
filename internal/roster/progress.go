package roster

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/agentworkforce/rosterfile/internal/rmw"
)

const progressTimeLayout = "2006-01-02T15:04:05.000Z07:00"

type ProgressUpdate struct {
	Kelas    string `json:"kelas"`
	FromDate string `json:"fromDate"`
	ToDate   string `json:"toDate"`
	Count    int    `json:"count"`
}

type ProgressResult struct {
	Entry           Record `json:"saved,omitempty"`
	Written         bool   `json:"written"`
	ConflictIgnored bool   `json:"conflictIgnored,omitempty"`
}

// UpsertProgress records the latest processed range for a class in the named
// progress document. The stored entry is left alone when the range and
// count are unchanged. Losing a write race after all retries counts as
// success because whichever writer won stored an equivalent entry.
func (s *Service) UpsertProgress(ctx context.Context, name string, update ProgressUpdate) (ProgressResult, error) {
	name = strings.TrimSpace(name)
	if !progressNamePattern.MatchString(name) {
		return ProgressResult{}, invalidf("invalid progress document name %q", name)
	}
	update.Kelas = strings.TrimSpace(update.Kelas)
	if update.Kelas == "" {
		return ProgressResult{}, invalidf("kelas is required")
	}
	if update.Count < 0 {
		return ProgressResult{}, invalidf("count must not be negative")
	}

	var saved Record
	res, err := rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:       s.layout.ProgressPath(name),
		Message:    name + ": upsert kelas=" + update.Kelas + " (" + update.FromDate + ".." + update.ToDate + ")",
		Idempotent: true,
		Recompute:  true,
		Transform: func(current Records, _ bool) (Records, error) {
			entry := Record{
				"kelas":     update.Kelas,
				"fromDate":  update.FromDate,
				"toDate":    update.ToDate,
				"updatedAt": s.now().UTC().Format(progressTimeLayout),
				"count":     json.Number(strconv.Itoa(update.Count)),
			}
			for _, prev := range current {
				if stringify(prev["kelas"]) != update.Kelas {
					continue
				}
				if stringify(prev["fromDate"]) == update.FromDate &&
					stringify(prev["toDate"]) == update.ToDate &&
					leadingInt(stringify(prev["count"])) == update.Count {
					saved = prev.Clone()
					return nil, rmw.ErrSkipWrite
				}
				for k, v := range entry {
					prev[k] = v
				}
				saved = prev.Clone()
				return current, nil
			}
			saved = entry
			return append(current, entry), nil
		},
	})
	if err != nil {
		return ProgressResult{}, err
	}
	return ProgressResult{Entry: saved, Written: res.Written, ConflictIgnored: res.ConflictIgnored}, nil
}

// GetProgress returns the named progress document. A missing document is empty.
func (s *Service) GetProgress(ctx context.Context, name string) (Records, error) {
	name = strings.TrimSpace(name)
	if !progressNamePattern.MatchString(name) {
		return nil, invalidf("invalid progress document name %q", name)
	}
	snap, err := rmw.Read[Records](ctx, s.coord, s.layout.ProgressPath(name), rmw.InheritCorruptPolicy)
	if err != nil {
		return nil, err
	}
	if snap.Value == nil {
		return Records{}, nil
	}
	return snap.Value, nil
}
