// Package features answers feature flag queries from a static flag set.
package features

import (
	"strings"
)

// SuppressAnomalies lets a verification pass when every failing metric is non-actionable.
const SuppressAnomalies = "CV_SUPPRESS_ANOMALIES"

// Flags holds flags enabled for every account plus flags enabled for specific accounts.
type Flags struct {
	global    map[string]struct{}
	byAccount map[string]map[string]struct{}
}

// Parse reads a comma separated list where each entry is either FLAG or FLAG:accountId.
func Parse(raw string) *Flags {
	flags := &Flags{
		global:    make(map[string]struct{}),
		byAccount: make(map[string]map[string]struct{}),
	}

	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		flag, accountID, scoped := strings.Cut(entry, ":")
		if !scoped {
			flags.global[flag] = struct{}{}

			continue
		}

		if flags.byAccount[flag] == nil {
			flags.byAccount[flag] = make(map[string]struct{})
		}

		flags.byAccount[flag][accountID] = struct{}{}
	}

	return flags
}

func (f *Flags) IsEnabled(flag, accountID string) bool {
	if _, ok := f.global[flag]; ok {
		return true
	}

	_, ok := f.byAccount[flag][accountID]

	return ok
}
