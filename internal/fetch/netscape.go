package fetch

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// netscape cookie file columns: domain, include-subdomains, path, secure,
// expiry (unix seconds, 0 = session), name, value.
const netscapeFields = 7

// LoadCookieFile reads a Netscape-format cookie file and renders the
// unexpired cookies as a single Cookie request-header value.
func LoadCookieFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	var pairs []string
	now := time.Now().Unix()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// The #HttpOnly_ prefix marks a real cookie line, not a comment.
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < netscapeFields {
			continue
		}
		expiry, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		if expiry != 0 && expiry < now {
			continue
		}
		name, value := fields[5], fields[6]
		if name == "" {
			continue
		}
		pairs = append(pairs, name+"="+value)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	return strings.Join(pairs, "; "), nil
}
