package incident

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idPrefix = "INC-"

// NewID renders INC-<base36 unix millis>-<8 random chars>, uppercase alphanumeric.
func NewID(now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strings.ToUpper(idPrefix + ts + "-" + suffix)
}

// DeriveTags builds the immutable tag set attached at creation.
func DeriveTags(sev Severity, component string, created time.Time, extra ...string) []string {
	set := map[string]struct{}{
		string(sev): {},
		"automated":  {},
		created.UTC().Format("2006-01-02"): {},
	}
	if c := strings.ToLower(strings.TrimSpace(component)); c != "" {
		set[c] = struct{}{}
	}
	for _, e := range extra {
		if e = strings.TrimSpace(e); e != "" {
			set[e] = struct{}{}
		}
	}
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
