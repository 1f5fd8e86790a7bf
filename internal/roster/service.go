package roster

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/agentworkforce/rosterfile/internal/rmw"
	"github.com/pkg/errors"
)

const (
	DefaultMaxSemester  = 888
	DefaultMaxRangeDays = 366
)

type Options struct {
	Layout       Layout
	MaxSemester  int
	MaxRangeDays int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Service implements roster and attendance operations as thin callers of
// the read-modify-write coordinator.
type Service struct {
	coord        *rmw.Coordinator
	store        docstore.Store
	layout       Layout
	maxSemester  int
	maxRangeDays int
	logger       *slog.Logger
	now          func() time.Time
	schemas      *validators
}

func NewService(coord *rmw.Coordinator, opts Options) (*Service, error) {
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	schemas, err := compileValidators()
	if err != nil {
		return nil, err
	}
	layout := opts.Layout
	if layout == (Layout{}) {
		layout = DefaultLayout()
	}
	maxSemester := opts.MaxSemester
	if maxSemester <= 0 {
		maxSemester = DefaultMaxSemester
	}
	maxRangeDays := opts.MaxRangeDays
	if maxRangeDays <= 0 {
		maxRangeDays = DefaultMaxRangeDays
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		coord:        coord,
		store:        coord.Store(),
		layout:       layout,
		maxSemester:  maxSemester,
		maxRangeDays: maxRangeDays,
		logger:       logger.With("component", "roster"),
		now:          now,
		schemas:      schemas,
	}, nil
}

func (s *Service) Layout() Layout {
	return s.layout
}

// ListClasses returns the class names that have a roster document.
func (s *Service) ListClasses(ctx context.Context) ([]string, error) {
	entries, err := s.store.List(ctx, s.layout.RosterDir)
	if err != nil {
		return nil, err
	}
	classes := []string{}
	for _, entry := range entries {
		if entry.Type != docstore.EntryFile {
			continue
		}
		if m := rosterFilePattern.FindStringSubmatch(entry.Name); m != nil {
			classes = append(classes, m[1])
		}
	}
	sort.Strings(classes)
	return classes, nil
}

// CreateClass creates an empty roster. It fails with ErrDuplicate when the
// class already exists.
func (s *Service) CreateClass(ctx context.Context, raw string) (string, error) {
	class, err := requireClass(raw)
	if err != nil {
		return "", err
	}
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:      s.layout.RosterPath(class),
		Message:   "create class " + class,
		Recompute: true,
		Transform: func(_ Records, exists bool) (Records, error) {
			if exists {
				return nil, errors.Wrapf(ErrDuplicate, "class %s already exists", class)
			}
			return Records{}, nil
		},
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("class created", "class", class)
	return class, nil
}

// GetRoster returns the class roster sorted by id. A missing roster is empty.
func (s *Service) GetRoster(ctx context.Context, raw string) (Records, error) {
	class, err := requireClass(raw)
	if err != nil {
		return nil, err
	}
	snap, err := rmw.Read[Records](ctx, s.coord, s.layout.RosterPath(class), rmw.InheritCorruptPolicy)
	if err != nil {
		return nil, err
	}
	records := snap.Value
	if records == nil {
		records = Records{}
	}
	SortByID(records)
	return records, nil
}

// AddStudent validates input and appends it to the roster with the lowest
// free id. The roster must exist and the nis must be unused.
func (s *Service) AddStudent(ctx context.Context, raw string, input Record) (Record, error) {
	class, err := requireClass(raw)
	if err != nil {
		return nil, err
	}
	if err := validate(s.schemas.student, "student", input); err != nil {
		return nil, err
	}
	student := Record{
		fieldNIS:   stringify(input[fieldNIS]),
		fieldName:  stringify(input[fieldName]),
		"semester": stringify(input["semester"]),
		"jenjang":  stringify(input["jenjang"]),
	}
	if v, ok := input["keterangan"]; ok {
		student["keterangan"] = stringify(v)
	}

	var added Record
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:            s.layout.RosterPath(class),
		Message:         "add student " + student.Name() + " (nis " + student.NIS() + ") to " + class,
		RequireExisting: true,
		Recompute:       true,
		OnCorrupt:       rmw.FailOnCorrupt,
		Transform: func(current Records, _ bool) (Records, error) {
			for _, r := range current {
				if r.NIS() == student.NIS() {
					return nil, errors.Wrapf(ErrDuplicate, "nis %s already exists in %s", student.NIS(), class)
				}
			}
			added = student.Clone()
			added.setID(AllocateNextID(CollectUsedIDs(current)))
			next := append(current, added)
			SortByID(next)
			return next, nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("student added", "class", class, "id", added.ID(), "nis", added.NIS())
	return added, nil
}

// DeleteStudent removes every record whose id or nis equals key and returns
// how many were removed. Removing nothing is not an error.
func (s *Service) DeleteStudent(ctx context.Context, raw, key string) (int, error) {
	class, err := requireClass(raw)
	if err != nil {
		return 0, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, invalidf("student key is required")
	}
	keys := map[string]struct{}{key: {}}
	match := MatchPredicate(keys, nil)

	removed := 0
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:            s.layout.RosterPath(class),
		Message:         "delete student " + key + " from " + class,
		RequireExisting: true,
		Recompute:       true,
		OnCorrupt:       rmw.FailOnCorrupt,
		Transform: func(current Records, _ bool) (Records, error) {
			matched, rest := Partition(current, match)
			removed = len(matched)
			if removed == 0 {
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
		return 0, err
	}
	return removed, nil
}

// UpdateStudent applies a semester, jenjang or keterangan patch to the
// student key resolves to.
func (s *Service) UpdateStudent(ctx context.Context, raw, key string, patch Record) (Record, error) {
	class, err := requireClass(raw)
	if err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, invalidf("student key is required")
	}
	if err := validate(s.schemas.patch, "student patch", patch); err != nil {
		return nil, err
	}
	changes := Record{}
	for field, value := range patch {
		changes[field] = stringify(value)
	}
	if sem, ok := changes["semester"]; ok {
		n, err := strconv.Atoi(sem.(string))
		if err != nil || n < 1 || n > s.maxSemester {
			return nil, invalidf("semester must be between 1 and %d", s.maxSemester)
		}
		changes["semester"] = strconv.Itoa(n)
	}

	var updated Record
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:            s.layout.RosterPath(class),
		Message:         "update student " + key + " in " + class,
		RequireExisting: true,
		Recompute:       true,
		OnCorrupt:       rmw.FailOnCorrupt,
		Transform: func(current Records, _ bool) (Records, error) {
			idx := MatchByKey(current, key)
			if idx < 0 {
				return nil, notFoundf("student %q in %s", key, class)
			}
			target := current[idx]
			changed := false
			for field, value := range changes {
				if existing, ok := target[field]; !ok || stringify(existing) != value.(string) || !isString(existing) {
					target[field] = value
					changed = true
				}
			}
			updated = target.Clone()
			if !changed {
				return nil, rmw.ErrSkipWrite
			}
			return current, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

type MoveRosterRequest struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Keys []string `json:"keys"`
	// KeepSource leaves the moved students in the source roster.
	KeepSource bool `json:"keepSource,omitempty"`
}

type MoveDetail struct {
	Type string `json:"type"`
	NIS  string `json:"nis"`
	ID   string `json:"id"`
}

const (
	MoveMerged = "merged"
	MoveAdded  = "added"
)

type MoveRosterResult struct {
	Moved   int          `json:"moved"`
	IDMap   []IDMapping  `json:"idMap"`
	Details []MoveDetail `json:"details"`
}

// rosterMergeFields are copied from the moving student onto an existing
// destination entry. The destination id is kept.
var rosterMergeFields = []string{fieldNIS, fieldName, "jenjang", "semester", "keterangan"}

// MoveRoster moves students between class rosters. A student already in the
// destination (by nis, then by name) is updated in place; anyone else is
// added under the lowest free destination id and the renumbering is
// reported. The destination is written before the source, and the two
// writes are not atomic.
func (s *Service) MoveRoster(ctx context.Context, req MoveRosterRequest) (MoveRosterResult, error) {
	from, err := requireClass(req.From)
	if err != nil {
		return MoveRosterResult{}, err
	}
	to, err := requireClass(req.To)
	if err != nil {
		return MoveRosterResult{}, err
	}
	if from == to {
		return MoveRosterResult{}, invalidf("source and destination class are both %s", from)
	}
	keys := NewKeySet(req.Keys...)
	if keys.Len() == 0 {
		return MoveRosterResult{}, invalidf("at least one student key is required")
	}
	match := keys.Predicate()

	srcPath, dstPath := s.layout.RosterPath(from), s.layout.RosterPath(to)
	src, err := rmw.Read[Records](ctx, s.coord, srcPath, rmw.FailOnCorrupt)
	if err != nil {
		return MoveRosterResult{}, err
	}
	if !src.Document.Exists {
		return MoveRosterResult{}, notFoundf("class %s", from)
	}
	moving, _ := Partition(src.Value, match)
	if len(moving) == 0 {
		return MoveRosterResult{}, notFoundf("no matching students in %s", from)
	}

	var result MoveRosterResult
	_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
		Path:      dstPath,
		Message:   "move " + strconv.Itoa(len(moving)) + " students from " + from + " to " + to,
		Recompute: true,
		OnCorrupt: rmw.FailOnCorrupt,
		Transform: func(current Records, _ bool) (Records, error) {
			next, details, idMap := mergeRoster(current, moving)
			result = MoveRosterResult{Moved: len(moving), IDMap: idMap, Details: details}
			return next, nil
		},
	})
	if err != nil {
		return MoveRosterResult{}, errors.Wrapf(err, "write destination %s", to)
	}

	if !req.KeepSource {
		_, err = rmw.Update(ctx, s.coord, rmw.Request[Records]{
			Path:      srcPath,
			Message:   "remove " + strconv.Itoa(len(moving)) + " moved students from " + from,
			Start:     &src.Document,
			Recompute: true,
			OnCorrupt: rmw.FailOnCorrupt,
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
			s.logger.Error("roster move left students in both classes", "from", from, "to", to, "error", err)
			return result, errors.Wrapf(err, "write source %s", from)
		}
	}
	s.logger.Info("roster moved", "from", from, "to", to, "moved", result.Moved, "remapped", len(result.IDMap))
	return result, nil
}

func mergeRoster(destination, moving Records) (Records, []MoveDetail, []IDMapping) {
	next := destination.Clone()
	used := CollectUsedIDs(next)
	byNIS := map[string]int{}
	byName := map[string]int{}
	for i, r := range next {
		if nis := r.NIS(); nis != "" {
			byNIS[nis] = i
		}
		if name := r.nameKey(); name != "" {
			byName[name] = i
		}
	}
	details := []MoveDetail{}
	idMap := []IDMapping{}
	for _, orig := range moving {
		idx, found := -1, false
		if nis := orig.NIS(); nis != "" {
			idx, found = byNIS[nis]
		}
		if !found {
			if name := orig.nameKey(); name != "" {
				idx, found = byName[name]
			}
		}
		if found {
			keep := next[idx]
			for _, field := range rosterMergeFields {
				if v, ok := orig[field]; ok && v != nil && !(field == fieldNIS && orig.NIS() == "") {
					keep[field] = cloneValue(v)
				}
			}
			details = append(details, MoveDetail{Type: MoveMerged, NIS: keep.NIS(), ID: keep.ID()})
			continue
		}
		n := AllocateNextID(used)
		used[n] = struct{}{}
		row := Record{fieldID: orig[fieldID]}
		row.setID(n)
		for _, field := range rosterMergeFields {
			row[field] = ""
			if v, ok := orig[field]; ok && v != nil {
				row[field] = cloneValue(v)
			}
		}
		next = append(next, row)
		if nis := row.NIS(); nis != "" {
			byNIS[nis] = len(next) - 1
		}
		if name := row.nameKey(); name != "" {
			byName[name] = len(next) - 1
		}
		details = append(details, MoveDetail{Type: MoveAdded, NIS: row.NIS(), ID: row.ID()})
		if oldID := orig.ID(); oldID != "" && oldID != row.ID() {
			idMap = append(idMap, IDMapping{OldID: oldID, NewID: row.ID(), NIS: row.NIS(), Nama: row.Name()})
		}
	}
	SortByID(next)
	return next, details, idMap
}
