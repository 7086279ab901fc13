package grabber

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "EFTA02205655", FormatKey("EFTA", 2205655))
	require.Equal(t, "EFTA00000000", FormatKey("EFTA", 0))
	require.Equal(t, "EFTA99999999", FormatKey("EFTA", 99999999))
}

func TestValidKey(t *testing.T) {
	t.Parallel()

	require.True(t, ValidKey("EFTA", "EFTA02205655"))
	require.False(t, ValidKey("EFTA", "EFTA0220565"))    // 7 digits
	require.False(t, ValidKey("EFTA", "EFTA022056555"))  // 9 digits
	require.False(t, ValidKey("EFTA", "EFTB02205655"))   // wrong prefix
	require.False(t, ValidKey("EFTA", "EFTA0220565a"))   // non-digit
	require.False(t, ValidKey("EFTA", "02205655"))       // bare number
}

func TestKeyNumber(t *testing.T) {
	t.Parallel()

	n, ok := KeyNumber("EFTA02205655")
	require.True(t, ok)
	require.Equal(t, uint64(2205655), n)

	n, ok = KeyNumber("/epstein/files/DataSet%2011/EFTA02205655.pdf")
	require.True(t, ok)
	require.Equal(t, uint64(2205655), n)

	_, ok = KeyNumber("no digits here")
	require.False(t, ok)
}

func TestKeySubdir(t *testing.T) {
	t.Parallel()

	require.Equal(t, "022", KeySubdir("EFTA", "EFTA02205655"))
	require.Equal(t, "misc", KeySubdir("EFTA", "EF"))
	require.Equal(t, "misc", KeySubdir("EFTA", "XYZ02205655"))
}

func TestLocalPath(t *testing.T) {
	t.Parallel()

	ds := DataSet(11)
	got := LocalPath("/downloads", ds, "EFTA02205655")
	want := filepath.Join("/downloads", "DataSet11", "022", "EFTA02205655.pdf")
	require.Equal(t, want, got)
}

func TestDataSetConfig_URLs(t *testing.T) {
	t.Parallel()

	ds := DataSet(11)
	require.Equal(t, ds.BaseURL, ds.PageURL(0))
	require.Equal(t, ds.BaseURL+"?page=7", ds.PageURL(7))
	require.Equal(t,
		"https://www.justice.gov/epstein/files/DataSet%2011/EFTA02205655.pdf",
		ds.FileURL("EFTA02205655"))
}

func TestDataSetConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DataSet(11).Validate())

	bad := DataSet(9)
	bad.ID = 0
	require.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = DataSet(9)
	bad.KeyPrefix = ""
	require.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = DataSet(9)
	bad.FirstID = 10
	bad.LastID = 5
	require.ErrorIs(t, bad.Validate(), ErrConfig)
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StateCompleted.Terminal())
	require.True(t, StateNotFound.Terminal())
	require.True(t, StateSkipped.Terminal())
	require.False(t, StatePending.Terminal())
	require.False(t, StateInProgress.Terminal())
	require.False(t, StateFailed.Terminal())
}

func TestParseState(t *testing.T) {
	t.Parallel()

	require.Equal(t, StateCompleted, ParseState("COMPLETED"))
	require.Equal(t, StatePending, ParseState("bogus"))
}
