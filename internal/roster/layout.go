package roster

import (
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/pkg/errors"
)

const (
	classPrefix = "kelas_"
	dateLayout  = "2006-01-02"
)

var (
	classNamePattern    = regexp.MustCompile(`^kelas_\w+$`)
	unsafeClassChars    = regexp.MustCompile(`[^A-Za-z0-9_]`)
	progressNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	rosterFilePattern   = regexp.MustCompile(`^(kelas_\w+)\.json$`)
)

// Layout says where documents live inside the store.
type Layout struct {
	RosterDir     string `yaml:"roster_dir"`
	AttendanceDir string `yaml:"attendance_dir"`
	ProgressDir   string `yaml:"progress_dir"`
}

func DefaultLayout() Layout {
	return Layout{AttendanceDir: "absensi"}
}

func (l Layout) RosterPath(class string) string {
	return path.Join(l.RosterDir, class+".json")
}

func (l Layout) AttendancePath(class, date string) string {
	return path.Join(l.AttendanceDir, class+"_"+date+".json")
}

func (l Layout) ProgressPath(name string) string {
	return path.Join(l.ProgressDir, name+".json")
}

// attendanceFilePattern matches the dated attendance files of one class and
// captures the date.
func attendanceFilePattern(class string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(class) + `_(\d{4}-\d{2}-\d{2})\.json$`)
}

// NormalizeClass turns user input like "A-1", "kelas_A1" or "kelas_A1.json"
// into the canonical "kelas_A_1" form. Blank input yields "".
func NormalizeClass(raw string) string {
	k := strings.TrimSpace(raw)
	k = strings.TrimSuffix(k, ".json")
	if k == "" {
		return ""
	}
	k = strings.ReplaceAll(k, "-", "_")
	k = unsafeClassChars.ReplaceAllString(k, "_")
	if !strings.HasPrefix(k, classPrefix) {
		k = classPrefix + k
	}
	return k
}

func requireClass(raw string) (string, error) {
	class := NormalizeClass(raw)
	if class == "" || !classNamePattern.MatchString(class) {
		return "", errors.Wrapf(docstore.ErrInvalidInput, "invalid class %q", raw)
	}
	return class, nil
}

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(docstore.ErrInvalidInput, "invalid date %q", raw)
	}
	return t, nil
}

func requireDate(raw string) (string, error) {
	t, err := ParseDate(raw)
	if err != nil {
		return "", err
	}
	return t.Format(dateLayout), nil
}
