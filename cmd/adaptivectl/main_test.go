package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDoc(t *testing.T) {
	c, err := parseDoc("doc-1=0.75")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", c.ID)
	assert.InDelta(t, 0.75, c.BaseScore, 1e-9)

	for _, bad := range []string{"doc-1", "=0.5", "doc-1=high"} {
		_, err := parseDoc(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadCandidates(t *testing.T) {
	file := filepath.Join(t.TempDir(), "docs.json")
	require.NoError(t, os.WriteFile(file, []byte(`[
		{"id": "a", "base_score": 0.4, "metadata": {"difficulty": "advanced"}},
		{"id": "b", "base_score": 0.9}
	]`), 0o600))

	candidates, err := loadCandidates([]string{"c=0.1"}, file)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "advanced", candidates[0].Metadata["difficulty"])
	assert.Equal(t, "c", candidates[2].ID)

	_, err = loadCandidates(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
