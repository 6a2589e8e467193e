package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each config section to its valid keys. Top-level keys
// live under the empty section name. These correspond to the toml tags
// in the Config struct and its sub-configs.
var knownKeys = map[string]map[string]bool{
	"": {
		"data_dir": true,
	},
	"api": {
		"base_url": true, "streaming_url": true, "key_file": true,
	},
	"sync": {
		"auto_interval": true, "websocket": true,
		"parallel_libraries": true, "fulltext": true,
	},
	"libraries": {
		"skip": true,
	},
	"storage": {
		"mode": true, "download": true, "max_attachment_size": true,
		"webdav_url": true, "webdav_username": true, "webdav_password": true,
	},
	"logging": {
		"log_level": true, "log_format": true, "log_file": true,
	},
	"network": {
		"connect_timeout": true, "data_timeout": true,
		"user_agent": true, "force_http_11": true,
	},
}

// sortedKeys returns the sorted key list of a known-key set for
// Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// sectionNames is the sorted list of valid section names (excluding the
// synthetic top-level section).
var sectionNames = func() []string {
	names := make([]string, 0, len(knownKeys))

	for name := range knownKeys {
		if name != "" {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key.String()); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an unknown config key,
// optionally suggesting the closest known key. Keys are either top-level
// ("data_dir") or section-scoped ("sync.websocket").
func buildKeyError(keyStr string) error {
	section := ""
	field := keyStr

	if before, after, found := strings.Cut(keyStr, "."); found {
		section = before
		field = after
	}

	sectionKeys, ok := knownKeys[section]
	if !ok {
		// Unknown section: suggest a section name, not a field.
		if suggestion := closestMatch(section, sectionNames); suggestion != "" {
			return fmt.Errorf("unknown config section [%s] — did you mean [%s]?", section, suggestion)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if sectionKeys[field] {
		// Known key that still came back undecoded, e.g. a sub-key of an
		// array-of-tables value. Nothing to report.
		return nil
	}

	label := field
	if section != "" {
		label = section + "." + field
	}

	if suggestion := closestMatch(field, sortedKeys(sectionKeys)); suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", label, suggestion)
	}

	return fmt.Errorf("unknown config key %q", label)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
