package grabber

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// keyDigits is the fixed width of the numeric part of every key.
const keyDigits = 8

var keyNumberPattern = regexp.MustCompile(`(\d{8})`)

// FormatKey renders prefix + zero-padded 8-digit integer.
func FormatKey(prefix string, id uint64) string {
	return fmt.Sprintf("%s%0*d", prefix, keyDigits, id)
}

// ValidKey reports whether key is exactly prefix followed by 8 digits.
func ValidKey(prefix, key string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	digits := key[len(prefix):]
	if len(digits) != keyDigits {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// KeyNumber extracts the integer part of a key or key-bearing string.
func KeyNumber(s string) (uint64, bool) {
	m := keyNumberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// KeySubdir derives the two-level storage subdirectory for a key: the first
// three digits of the padded integer. Keys too short to carry the padded
// number land in "misc".
func KeySubdir(prefix, key string) string {
	if !strings.HasPrefix(key, prefix) || len(key) < len(prefix)+3 {
		return "misc"
	}
	return key[len(prefix) : len(prefix)+3]
}

// LocalPath builds the on-disk location for a key's artifact:
// <root>/DataSet<id>/<first3digits>/<key>.pdf
func LocalPath(root string, ds DataSetConfig, key string) string {
	return filepath.Join(root,
		fmt.Sprintf("DataSet%d", ds.ID),
		KeySubdir(ds.KeyPrefix, key),
		key+".pdf")
}
