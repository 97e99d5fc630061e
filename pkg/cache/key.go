package cache

import (
	"errors"
	"strings"
	"time"
)

// KeySeparator joins the studio id and the time bucket of a cache key.
const KeySeparator = "-"

const (
	hourLayout = "2006-01-02-15"
	dayLayout  = "2006-01-02"

	// hourWildcard matches exactly the two digit hour of a bucket key.
	hourWildcard = "[0-2][0-9]"
)

// ErrEmptyKeySet is returned by SelectNewest when there is nothing to select from.
var ErrEmptyKeySet = errors.New("empty key set")

// CurrentKey returns the key of the hourly bucket that now falls into.
// Format: {studio}-{YYYY-MM-DD}-{HH}
//
// now is formatted as-is, so callers must convert it to the reference
// timezone first. Every call within the same clock hour yields the same key.
//
// Example:
//
//	CurrentKey("1414810010", t) // "1414810010-2024-06-01-10"
func CurrentKey(studio string, now time.Time) string {
	return studio + KeySeparator + now.Format(hourLayout)
}

// SearchPattern returns a redis glob matching every hourly bucket of the day
// that lies dayOffset calendar days before now.
// Format: {studio}-{YYYY-MM-DD}-[0-2][0-9]
//
// Glob metacharacters in the studio id are escaped and the hour is matched
// with a fixed width, so the pattern cannot reach the buckets of a longer id
// such as "{studio}-{YYYY-MM-DD}".
func SearchPattern(studio string, now time.Time, dayOffset int) string {
	day := now.AddDate(0, 0, -dayOffset)
	return escapeGlob(studio) + KeySeparator + day.Format(dayLayout) + KeySeparator + hourWildcard
}

// IsBucketKey reports whether key is an hourly bucket of studio, that is the
// studio id, the separator and a valid YYYY-MM-DD-HH suffix.
func IsBucketKey(studio, key string) bool {
	prefix := studio + KeySeparator
	if len(key) != len(prefix)+len(hourLayout) || !strings.HasPrefix(key, prefix) {
		return false
	}
	_, err := time.Parse(hourLayout, key[len(prefix):])
	return err == nil
}

// SelectNewest returns the most recent key of a set of keys produced by
// CurrentKey for the same studio and day.
//
// Date and hour are fixed width, so the lexicographic maximum is also the
// chronologically newest bucket.
func SelectNewest(keys []string) (string, error) {
	if len(keys) == 0 {
		return "", ErrEmptyKeySet
	}

	newest := keys[0]
	for _, key := range keys[1:] {
		if key > newest {
			newest = key
		}
	}
	return newest, nil
}

var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
