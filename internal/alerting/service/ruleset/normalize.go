package ruleset

import (
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/common/model"
)

// labelNameRE is the classic Prometheus label name charset.
var labelNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NormalizeLabels returns a copy of in fit for use as PromQL matchers: keys lowercased, trimmed and
// mapped through aliasMap (e.g. "service_name" -> "service"), values trimmed, and entries with an
// empty value or a key Prometheus would reject dropped.
func NormalizeLabels(in LabelMap, aliasMap map[string]string) LabelMap {
	result := make(LabelMap, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		if !labelNameRE.MatchString(key) || strings.HasPrefix(key, model.ReservedLabelPrefix) {
			continue
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// CanonicalLabelKey renders labels as sorted key=value pairs joined by '|', "{}" when empty.
func CanonicalLabelKey(labels LabelMap) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + labels[k]
	}
	return strings.Join(pairs, "|")
}
