package artifacts

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"src/a.go":         "src/a.go",
		"./src/a.go":       "src/a.go",
		"src//pkg/../a.go": "src/a.go",
		"src/dir/":         "src/dir",
		"  docs/x.md ":     "docs/x.md",
		"":                 "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "input %q", in)
	}
}

func TestExistsAndMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "specs/t1.md", []byte("spec"), 0o644))
	s := New(fs)

	ok, err := s.Exists("./specs/t1.md")
	require.NoError(t, err)
	assert.True(t, ok)

	missing, err := s.Missing([]string{"specs/t1.md", "specs/none.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"specs/none.md"}, missing)
}

func TestModifiedAfter(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "old.md", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, "new.md", nil, 0o644))
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("old.md", base.Add(-time.Hour), base.Add(-time.Hour)))
	require.NoError(t, fs.Chtimes("new.md", base.Add(time.Hour), base.Add(time.Hour)))

	changed, err := New(fs).ModifiedAfter([]string{"old.md", "new.md", "gone.md"}, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.md"}, changed)
}
