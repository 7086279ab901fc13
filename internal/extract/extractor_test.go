package extract

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segin/efgrabber/internal/grabber"
)

func newExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := New(grabber.DataSet(11))
	require.NoError(t, err)
	return e
}

func TestExtract_EncodedAndLiteralFolderForms(t *testing.T) {
	t.Parallel()

	html := `
	<html><body>
	<a href="/epstein/files/DataSet%2011/EFTA02205655.pdf">one</a>
	<a href="/epstein/files/DataSet 11/EFTA02205656.pdf">two</a>
	<a href="https://www.justice.gov/epstein/files/DataSet%2011/EFTA02205657.pdf">three</a>
	</body></html>`

	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Len(t, links, 3)
	require.Equal(t, "EFTA02205655", links[0].Key)
	require.Equal(t, "https://www.justice.gov/epstein/files/DataSet%2011/EFTA02205655.pdf", links[0].URL)
	require.Equal(t, "https://www.justice.gov/epstein/files/DataSet 11/EFTA02205656.pdf", links[1].URL)
	require.Equal(t, "https://www.justice.gov/epstein/files/DataSet%2011/EFTA02205657.pdf", links[2].URL)
}

func TestExtract_CaseInsensitive(t *testing.T) {
	t.Parallel()

	html := `<a href="/epstein/files/DATASET%2011/efta02205655.PDF">x</a>`
	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "EFTA02205655", links[0].Key)
}

func TestExtract_DeduplicatesByKeyOrderedByKey(t *testing.T) {
	t.Parallel()

	html := `
	<a href="/epstein/files/DataSet%2011/EFTA02205999.pdf">z</a>
	<a href="/epstein/files/DataSet%2011/EFTA02205655.pdf">a</a>
	<a href="/epstein/files/DataSet%2011/EFTA02205655.pdf">a again</a>`

	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "EFTA02205655", links[0].Key)
	require.Equal(t, "EFTA02205999", links[1].Key)
}

func TestExtract_RejectsWrongDataSetAndBadKeys(t *testing.T) {
	t.Parallel()

	html := `
	<a href="/epstein/files/DataSet%209/EFTA02205655.pdf">other set</a>
	<a href="/epstein/files/DataSet%2011/EFTA0220565.pdf">seven digits</a>
	<a href="/epstein/files/DataSet%2011/report.pdf">no key</a>
	<a href="/epstein/files/DataSet%2011/EFTA02205655.txt">not pdf</a>`

	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestExtract_CurrentRelativeHref(t *testing.T) {
	t.Parallel()

	html := `<a href="epstein/files/DataSet%2011/EFTA02205655.pdf">rel</a>`
	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "https://www.justice.gov/epstein/files/DataSet%2011/EFTA02205655.pdf", links[0].URL)
}

func TestExtract_Idempotent(t *testing.T) {
	t.Parallel()

	html := `
	<a href="/epstein/files/DataSet%2011/EFTA02205655.pdf">a</a>
	<a href="/epstein/files/DataSet%2011/EFTA02205656.pdf">b</a>`

	e := newExtractor(t)
	first, err := e.Extract(html)
	require.NoError(t, err)
	second, err := e.Extract(html)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestExtract_IgnoresNonAnchorMentions(t *testing.T) {
	t.Parallel()

	html := `<p>DataSet%2011/EFTA02205655.pdf mentioned in text</p>`
	links, err := newExtractor(t).Extract(html)
	require.NoError(t, err)
	require.Empty(t, links)
}
