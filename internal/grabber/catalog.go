package grabber

import "fmt"

// Known data-set namespace bounds.
const (
	MinDataSet = 1
	MaxDataSet = 12
)

// Canonical deployment identity. Both are overridable via configuration.
const (
	RequiredCookie   = "justiceGovAgeVerified=true"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// DataSet builds the catalog configuration for a known data-set id. Page
// count is detected at runtime, not hardcoded.
func DataSet(id int) DataSetConfig {
	cfg := DataSetConfig{
		ID:           id,
		Name:         fmt.Sprintf("Data Set %d", id),
		BaseURL:      fmt.Sprintf("https://www.justice.gov/epstein/doj-disclosures/data-set-%d-files", id),
		FileURLBase:  fmt.Sprintf("https://www.justice.gov/epstein/files/DataSet%%20%d/", id),
		KeyPrefix:    "EFTA",
		MaxPageIndex: -1,
	}
	// Known enumeration range; a starting point that may grow over time.
	if id == 11 {
		cfg.FirstID = 2205655
		cfg.LastID = 2730262
	}
	return cfg
}
