package roster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/agentworkforce/rosterfile/internal/rmw"
	"github.com/tidwall/gjson"
)

const fieldDate = "tanggal"

// SaveAttendance replaces a day's attendance sheet with records. Each record
// is layered over the stored entry with the same id, and its audio list is
// the union of the stored and submitted filenames.
func (s *Service) SaveAttendance(ctx context.Context, rawClass, rawDate string, records Records) (Records, error) {
	class, err := requireClass(rawClass)
	if err != nil {
		return nil, err
	}
	date, err := requireDate(rawDate)
	if err != nil {
		return nil, err
	}
	res, err := rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:      s.layout.AttendancePath(class, date),
		Message:   "update attendance " + class + " " + date,
		Recompute: true,
		Transform: func(current Records, _ bool) (Records, error) {
			return mergeAttendance(current, records), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

func mergeAttendance(existing, submitted Records) Records {
	byID := map[string]Record{}
	for _, r := range existing {
		if id := r.ID(); id != "" {
			if _, seen := byID[id]; !seen {
				byID[id] = r
			}
		}
	}
	out := make(Records, 0, len(submitted))
	for _, item := range submitted {
		merged := Record{}
		old := byID[item.ID()]
		for k, v := range old {
			merged[k] = cloneValue(v)
		}
		for k, v := range item {
			merged[k] = cloneValue(v)
		}
		marks := map[string]any{}
		if m, ok := item[fieldMarks].(map[string]any); ok {
			for k, v := range m {
				marks[k] = cloneValue(v)
			}
		}
		marks[fieldAudio] = unionAudio(audioList(old), audioList(item))
		merged[fieldMarks] = marks
		out = append(out, merged)
	}
	SortByID(out)
	return out
}

func audioList(r Record) []any {
	if r == nil {
		return nil
	}
	marks, ok := r[fieldMarks].(map[string]any)
	if !ok {
		return nil
	}
	list, _ := marks[fieldAudio].([]any)
	return list
}

func unionAudio(lists ...[]any) []any {
	out := []any{}
	seen := map[string]struct{}{}
	for _, list := range lists {
		for _, v := range list {
			key := fmt.Sprint(v)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// GetAttendance returns one day's sheet. A missing sheet is empty.
func (s *Service) GetAttendance(ctx context.Context, rawClass, rawDate string) (Records, error) {
	class, err := requireClass(rawClass)
	if err != nil {
		return nil, err
	}
	date, err := requireDate(rawDate)
	if err != nil {
		return nil, err
	}
	snap, err := rmw.Read[Records](ctx, s.coord, s.layout.AttendancePath(class, date), rmw.InheritCorruptPolicy)
	if err != nil {
		return nil, err
	}
	if snap.Value == nil {
		return Records{}, nil
	}
	return snap.Value, nil
}

type DateWarning struct {
	Date  string `json:"date"`
	Path  string `json:"path"`
	Error string `json:"error"`
}

type AttendanceRange struct {
	Records  Records       `json:"records"`
	Warnings []DateWarning `json:"warnings,omitempty"`
}

// GetAttendanceRange concatenates the sheets from `from` through `to`
// inclusive. Days without a sheet are skipped and unreadable days become
// warnings. Each entry is stamped with its date, and entries lacking a nis
// get one from the class roster by id.
func (s *Service) GetAttendanceRange(ctx context.Context, rawClass, rawFrom, rawTo string) (AttendanceRange, error) {
	class, err := requireClass(rawClass)
	if err != nil {
		return AttendanceRange{}, err
	}
	from, err := ParseDate(rawFrom)
	if err != nil {
		return AttendanceRange{}, err
	}
	to, err := ParseDate(rawTo)
	if err != nil {
		return AttendanceRange{}, err
	}
	if to.Before(from) {
		return AttendanceRange{}, invalidf("range end %s is before start %s", rawTo, rawFrom)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > s.maxRangeDays {
		return AttendanceRange{}, invalidf("range spans %d days, limit is %d", days, s.maxRangeDays)
	}

	idToNIS, err := s.rosterNISByID(ctx, class)
	if err != nil {
		return AttendanceRange{}, err
	}

	out := AttendanceRange{Records: Records{}}
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return AttendanceRange{}, err
		}
		date := day.Format(dateLayout)
		p := s.layout.AttendancePath(class, date)
		snap, err := rmw.Read[Records](ctx, s.coord, p, rmw.FailOnCorrupt)
		if err != nil {
			s.logger.Warn("attendance sheet skipped", "path", p, "error", err)
			out.Warnings = append(out.Warnings, DateWarning{Date: date, Path: p, Error: err.Error()})
			continue
		}
		for _, r := range snap.Value {
			if r == nil {
				continue
			}
			if stringify(r[fieldDate]) == "" {
				r[fieldDate] = date
			}
			if r.NIS() == "" {
				if nis, ok := idToNIS[r.NumericID()]; ok {
					r[fieldNIS] = nis
				}
			}
			out.Records = append(out.Records, r)
		}
	}
	return out, nil
}

// rosterNISByID maps numeric ids to nis straight from the raw roster bytes.
// An unreadable roster yields an empty map.
func (s *Service) rosterNISByID(ctx context.Context, class string) (map[int]string, error) {
	doc, err := s.store.Fetch(ctx, s.layout.RosterPath(class))
	if err != nil {
		return nil, err
	}
	out := map[int]string{}
	if !doc.Exists || !gjson.ValidBytes(doc.Content) {
		return out, nil
	}
	gjson.ParseBytes(doc.Content).ForEach(func(_, item gjson.Result) bool {
		nis := strings.TrimSpace(item.Get(fieldNIS).String())
		if id := leadingInt(item.Get(fieldID).String()); id > 0 && nis != "" {
			out[id] = nis
		}
		return true
	})
	return out, nil
}

// AppendAudio adds filename to the audio list of the student with the given
// id on one day's sheet. Adding a filename that is already listed is a no-op.
func (s *Service) AppendAudio(ctx context.Context, rawClass, rawDate, id, filename string) (Record, error) {
	class, err := requireClass(rawClass)
	if err != nil {
		return nil, err
	}
	date, err := requireDate(rawDate)
	if err != nil {
		return nil, err
	}
	id, filename = strings.TrimSpace(id), strings.TrimSpace(filename)
	if id == "" || filename == "" {
		return nil, invalidf("id and filename are required")
	}
	var updated Record
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:            s.layout.AttendancePath(class, date),
		Message:         "add audio " + filename + " for " + id + " in " + class + " " + date,
		RequireExisting: true,
		Recompute:       true,
		OnCorrupt:       rmw.FailOnCorrupt,
		Transform: func(current Records, _ bool) (Records, error) {
			idx := indexByID(current, id)
			if idx < 0 {
				return nil, notFoundf("student %s on %s %s", id, class, date)
			}
			target := current[idx]
			marks, ok := target[fieldMarks].(map[string]any)
			if !ok {
				marks = map[string]any{}
				target[fieldMarks] = marks
			}
			list := audioList(target)
			for _, v := range list {
				if fmt.Sprint(v) == filename {
					updated = target.Clone()
					return nil, rmw.ErrSkipWrite
				}
			}
			marks[fieldAudio] = append(append([]any{}, list...), filename)
			updated = target.Clone()
			return current, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// indexByID compares ids as strings, falling back to numeric equality so
// "7" finds 7.0.
func indexByID(records Records, id string) int {
	for i, r := range records {
		if r.ID() == id {
			return i
		}
	}
	if isNumeric(id) {
		n := leadingInt(id)
		for i, r := range records {
			if isNumeric(r.ID()) && r.NumericID() == n {
				return i
			}
		}
	}
	return -1
}

type MoveAttendanceRequest struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Keys []string `json:"keys"`
	// StartDate limits the move to sheets dated on or after it. Empty means all.
	StartDate string      `json:"startDate,omitempty"`
	IDMap     []IDMapping `json:"idMap,omitempty"`
}

// DateReport describes one dated sheet of an attendance move. Moved counts
// the entries taken out of the source sheet. Of those, Added were appended
// to the destination and Merged were already there (same nis or name) and
// left as the destination had them.
type DateReport struct {
	Date    string      `json:"date"`
	Moved   int         `json:"moved"`
	Added   int         `json:"added"`
	Merged  int         `json:"merged"`
	Created bool        `json:"created,omitempty"`
	IDMap   []IDMapping `json:"idMap,omitempty"`
	Note    string      `json:"note,omitempty"`
}

type MoveAttendanceResult struct {
	TotalMoved int          `json:"totalMoved"`
	Dates      []DateReport `json:"dates"`
}

const (
	noteSourceEmpty = "source sheet empty or missing"
	noteNoMatch     = "no matching records"
)

// MoveAttendance relocates the selected students' attendance entries from
// one class's dated sheets to the matching sheets of another class. Each
// date is processed on its own: the destination is written first, then the
// source, and a failure is recorded in that date's note without stopping
// the remaining dates.
func (s *Service) MoveAttendance(ctx context.Context, req MoveAttendanceRequest) (MoveAttendanceResult, error) {
	from, err := requireClass(req.From)
	if err != nil {
		return MoveAttendanceResult{}, err
	}
	to, err := requireClass(req.To)
	if err != nil {
		return MoveAttendanceResult{}, err
	}
	if from == to {
		return MoveAttendanceResult{}, invalidf("source and destination class are both %s", from)
	}
	keys := NewKeySet(req.Keys...)
	if keys.Len() == 0 {
		return MoveAttendanceResult{}, invalidf("at least one student key is required")
	}
	startDate := ""
	if strings.TrimSpace(req.StartDate) != "" {
		if startDate, err = requireDate(req.StartDate); err != nil {
			return MoveAttendanceResult{}, err
		}
	}

	dates, err := s.attendanceDates(ctx, from, startDate)
	if err != nil {
		return MoveAttendanceResult{}, err
	}
	if len(dates) == 0 {
		return MoveAttendanceResult{}, notFoundf("no attendance sheets for %s", from)
	}

	match := keys.Predicate()
	result := MoveAttendanceResult{Dates: make([]DateReport, 0, len(dates))}
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		report := s.moveAttendanceDay(ctx, from, to, date, match, req.IDMap)
		result.TotalMoved += report.Moved
		result.Dates = append(result.Dates, report)
	}
	s.logger.Info("attendance moved", "from", from, "to", to, "dates", len(dates), "moved", result.TotalMoved)
	return result, nil
}

func (s *Service) attendanceDates(ctx context.Context, class, startDate string) ([]string, error) {
	entries, err := s.store.List(ctx, s.layout.AttendanceDir)
	if err != nil {
		return nil, err
	}
	pattern := attendanceFilePattern(class)
	var dates []string
	for _, entry := range entries {
		if entry.Type != docstore.EntryFile {
			continue
		}
		m := pattern.FindStringSubmatch(entry.Name)
		if m == nil || m[1] < startDate {
			continue
		}
		if _, err := ParseDate(m[1]); err != nil {
			continue
		}
		dates = append(dates, m[1])
	}
	sort.Strings(dates)
	return dates, nil
}

func (s *Service) moveAttendanceDay(ctx context.Context, from, to, date string, match func(Record) bool, supplied []IDMapping) DateReport {
	report := DateReport{Date: date}
	srcPath := s.layout.AttendancePath(from, date)
	dstPath := s.layout.AttendancePath(to, date)
	logger := s.logger.With("date", date, "from", from, "to", to)

	src, err := rmw.Read[Records](ctx, s.coord, srcPath, rmw.InheritCorruptPolicy)
	if err != nil {
		report.Note = "source read failed: " + err.Error()
		logger.Warn("attendance move skipped date", "error", err)
		return report
	}
	if !src.Document.Exists || len(src.Value) == 0 {
		report.Note = noteSourceEmpty
		return report
	}
	moving, _ := Partition(src.Value, match)
	if len(moving) == 0 {
		report.Note = noteNoMatch
		return report
	}

	var idMap []IDMapping
	added := 0
	dst, err := rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:      dstPath,
		Message:   fmt.Sprintf("move %d attendance entries from %s to %s (%s)", len(moving), from, to, date),
		Recompute: true,
		Transform: func(current Records, _ bool) (Records, error) {
			remapped, mappings := RemapIDs(current, moving, supplied)
			idMap = mappings
			base := MergeRecordSets(current, nil)
			merged := MergeRecordSets(current, remapped)
			added = len(merged) - len(base)
			SortByID(merged)
			return merged, nil
		},
	})
	if err != nil {
		report.Note = "destination write failed: " + err.Error()
		logger.Warn("attendance move skipped date", "error", err)
		return report
	}

	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:      srcPath,
		Message:   fmt.Sprintf("remove %d moved attendance entries from %s (%s)", len(moving), from, date),
		Start:     &src.Document,
		Recompute: true,
		Transform: func(current Records, _ bool) (Records, error) {
			matched, rest := Partition(current, match)
			if len(matched) == 0 {
				return nil, rmw.ErrSkipWrite
			}
			if rest == nil {
				rest = Records{}
			}
			SortByID(rest)
			return rest, nil
		},
	})
	if err != nil {
		report.Note = "source write failed: " + err.Error()
		report.IDMap = idMap
		logger.Error("attendance entries copied but not removed from source", "error", err)
		return report
	}

	report.Moved = len(moving)
	report.Added = added
	report.Merged = len(moving) - added
	report.Created = dst.Created
	report.IDMap = idMap
	return report
}
