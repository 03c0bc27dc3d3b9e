package pedagogy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBand_Adjacency(t *testing.T) {
	next, ok := Elementary.Next()
	assert.True(t, ok)
	assert.Equal(t, Developing, next)

	_, ok = Elementary.Prev()
	assert.False(t, ok, "elementary has no lower band")

	top, ok := Advanced.Next()
	assert.False(t, ok, "advanced has no higher band")
	assert.Equal(t, Advanced, top)

	prev, ok := Advanced.Prev()
	assert.True(t, ok)
	assert.Equal(t, Proficient, prev)
}

func TestBand_WalkCoversScale(t *testing.T) {
	b := Elementary
	seen := []Band{b}
	for {
		n, ok := b.Next()
		if !ok {
			break
		}
		b = n
		seen = append(seen, b)
	}
	assert.Equal(t, Bands(), seen)
	assert.Len(t, seen, BandCount)
}

func TestParseBand(t *testing.T) {
	tests := []struct {
		in      string
		want    Band
		wantErr bool
	}{
		{"elementary", Elementary, false},
		{" Advanced ", Advanced, false},
		{"2", Intermediate, false},
		{"5", Band{}, true},
		{"-1", Band{}, true},
		{"expert", Band{}, true},
	}
	for _, tt := range tests {
		got, err := ParseBand(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownBand, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestDemand_AdjacencyAndExceeds(t *testing.T) {
	_, ok := Evaluation.Next()
	assert.False(t, ok)
	_, ok = Recall.Prev()
	assert.False(t, ok)

	assert.Equal(t, 0, Recall.Exceeds(Analysis))
	assert.Equal(t, 0, Analysis.Exceeds(Analysis))
	assert.Equal(t, 2, Analysis.Exceeds(Comprehension))
}

func TestBand_Ceiling(t *testing.T) {
	assert.Equal(t, Comprehension, Elementary.Ceiling())
	assert.Equal(t, Evaluation, Advanced.Ceiling())
}

func TestParseDemand(t *testing.T) {
	d, err := ParseDemand("Synthesis")
	require.NoError(t, err)
	assert.Equal(t, Synthesis, d)

	d, err = ParseDemand("0")
	require.NoError(t, err)
	assert.Equal(t, Recall, d)

	_, err = ParseDemand("6")
	assert.ErrorIs(t, err, ErrUnknownDemand)
}

func TestJSONRoundTripUsesNames(t *testing.T) {
	type snapshot struct {
		Band   Band   `json:"band"`
		Demand Demand `json:"demand"`
	}
	raw, err := json.Marshal(snapshot{Band: Proficient, Demand: Application})
	require.NoError(t, err)
	assert.JSONEq(t, `{"band":"proficient","demand":"application"}`, string(raw))

	var back snapshot
	require.NoError(t, json.Unmarshal([]byte(`{"band":"developing","demand":"evaluation"}`), &back))
	assert.Equal(t, Developing, back.Band)
	assert.Equal(t, Evaluation, back.Demand)

	assert.Error(t, json.Unmarshal([]byte(`{"band":"genius"}`), &back))
}
