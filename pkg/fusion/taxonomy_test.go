package fusion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-intelligence/pkg/models"
)

func TestTaxonomy_MapVotes(t *testing.T) {
	tax := DefaultTaxonomy()

	got := tax.Map(map[string]float64{
		"Typing":         0.6,
		"Speech":         0.4,
		"Unrelated hiss": 0.9,
	})

	assert.InDelta(t, 0.6, got["office"], 1e-9)
	assert.InDelta(t, 0.4, got["meeting"], 1e-9)
	assert.NotContains(t, got, "Unrelated hiss")
}

func TestTaxonomy_SubstringMatchesCountHalf(t *testing.T) {
	tax := DefaultTaxonomy()

	// "Bird vocalization" contains "bird"
	got := tax.Map(map[string]float64{"Bird vocalization": 0.8})
	assert.InDelta(t, 0.4, got["outdoor"], 1e-9)
}

func TestTaxonomy_ScoresCappedAtOne(t *testing.T) {
	tax := DefaultTaxonomy()
	got := tax.Map(map[string]float64{"Car": 0.9, "Vehicle": 0.9, "Engine": 0.8})
	assert.Equal(t, 1.0, got["car"])
}

func TestTaxonomy_SituationNamesPassThrough(t *testing.T) {
	got := DefaultTaxonomy().Map(map[string]float64{"meeting": 0.7})
	assert.Equal(t, map[string]float64{"meeting": 0.7}, got)
}

func TestTaxonomy_MapWindowsKeepsBounds(t *testing.T) {
	in := []models.SituationWindow{{Start: 0, End: 30, LabelScores: map[string]float64{"Silence": 0.9}}}
	out := DefaultTaxonomy().MapWindows(in)

	require.Len(t, out, 1)
	assert.Equal(t, 30.0, out[0].End)
	assert.Contains(t, out[0].LabelScores, "quiet")
	assert.Contains(t, in[0].LabelScores, "Silence", "input windows untouched")
}

func TestLoadTaxonomy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
situations:
  - name: studio
    labels: ["Music", "Guitar"]
  - name: street
    labels: ["Traffic noise"]
`), 0o644))

	tax, err := LoadTaxonomy(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"studio", "street"}, tax.Situations())
	assert.InDelta(t, 0.5, tax.Map(map[string]float64{"guitar": 0.5})["studio"], 1e-9)

	_, err = LoadTaxonomy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("situations: []\n"), 0o644))
	_, err = LoadTaxonomy(path)
	assert.Error(t, err)
}
