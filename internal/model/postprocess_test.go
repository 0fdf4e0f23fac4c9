package model

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum64(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x)
	}
	return s
}

func testLabels(t *testing.T, n int) *Labels {
	t.Helper()
	names := make([]string, n)
	for i := range names {
		names[i] = "class-" + string(rune('a'+i%26)) + string(rune('a'+i/26%26))
	}
	l, err := NewLabels(names)
	require.NoError(t, err)
	return l
}

// TestSoftmaxDistribution checks the output is a valid distribution for a
// range of inputs, including large magnitudes.
func TestSoftmaxDistribution(t *testing.T) {
	cases := map[string][]float32{
		"small":        {1, 2, 3},
		"negative":     {-5, -1, -3, -2},
		"large":        {1000, 999, 0, -1000},
		"single":       {42},
		"equal":        {7, 7, 7, 7},
		"huge spread":  {3.4e38, -3.4e38, 0},
		"thousand":     make([]float32, 1000),
		"all negative": {-1000, -1000.5, -999},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			out := Softmax(in)
			require.Len(t, out, len(in))
			for _, p := range out {
				assert.False(t, math.IsNaN(float64(p)), "NaN in output")
				assert.False(t, math.IsInf(float64(p), 0), "Inf in output")
				assert.GreaterOrEqual(t, p, float32(0))
				assert.LessOrEqual(t, p, float32(1))
			}
			assert.InDelta(t, 1.0, sum64(out), 1e-6)
		})
	}
}

func TestSoftmaxEmpty(t *testing.T) {
	assert.Empty(t, Softmax(nil))
}

func TestSoftmaxOrderPreserved(t *testing.T) {
	out := Softmax([]float32{0.5, 3, -1, 2})
	assert.Greater(t, out[1], out[3])
	assert.Greater(t, out[3], out[0])
	assert.Greater(t, out[0], out[2])
	// exp(1)/(1+exp(1)) for two logits one apart.
	two := Softmax([]float32{0, 1})
	assert.InDelta(t, 1/(1+math.Exp(-1)), float64(two[1]), 1e-6)
}

func TestTopK(t *testing.T) {
	probs := []float32{0.1, 0.4, 0.05, 0.3, 0.15}

	top, err := TopK(probs, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, top)

	top, err = TopK(probs, 10)
	require.NoError(t, err)
	assert.Len(t, top, len(probs), "k larger than class count is clamped")

	_, err = TopK(probs, 0)
	assert.Error(t, err)
}

func TestTopKTiesKeepLowerIndex(t *testing.T) {
	top, err := TopK([]float32{0.2, 0.3, 0.2, 0.3}, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 0, 2}, top)
}

// TestPostprocessDominantIndex round-trips a one-hot style output through
// the label mapping.
func TestPostprocessDominantIndex(t *testing.T) {
	labels := testLabels(t, 50)
	for _, i := range []int{0, 17, 49} {
		logits := make([]float32, 50)
		logits[i] = 25
		preds, err := Postprocess(logits, labels, 1)
		require.NoError(t, err)
		require.Len(t, preds, 1)

		want, err := labels.Name(i)
		require.NoError(t, err)
		assert.Equal(t, want, preds[0].Label)
		assert.Equal(t, i, preds[0].Index)
	}
}

func TestPostprocessOrderingAndUniqueness(t *testing.T) {
	labels := testLabels(t, 20)
	logits := make([]float32, 20)
	for i := range logits {
		logits[i] = float32((i * 7) % 20)
	}

	preds, err := Postprocess(logits, labels, DefaultTopK)
	require.NoError(t, err)
	require.Len(t, preds, DefaultTopK)

	seen := map[string]bool{}
	var total float64
	for i, p := range preds {
		assert.False(t, seen[p.Label], "duplicate label %s", p.Label)
		seen[p.Label] = true
		total += float64(p.Probability)
		if i > 0 {
			assert.Greater(t, preds[i-1].Probability, p.Probability)
		}
	}
	assert.LessOrEqual(t, total, 1.0+1e-6)
}

func TestPostprocessFewerClassesThanK(t *testing.T) {
	preds, err := Postprocess([]float32{1, 2, 3}, testLabels(t, 3), 5)
	require.NoError(t, err)
	assert.Len(t, preds, 3)
}

func TestPostprocessUnknownLabel(t *testing.T) {
	logits := []float32{0, 0, 0, 9}
	_, err := Postprocess(logits, testLabels(t, 3), 1)
	require.Error(t, err)

	var unknown *UnknownLabelError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, 3, unknown.Index)
}

func TestPostprocessRejectsNonFinite(t *testing.T) {
	_, err := Postprocess([]float32{0, float32(math.NaN())}, testLabels(t, 2), 1)
	var inference *InferenceError
	assert.True(t, errors.As(err, &inference))
}

func TestPostprocessRejectsEmptyOutput(t *testing.T) {
	for _, logits := range [][]float32{nil, {}} {
		_, err := Postprocess(logits, testLabels(t, 2), 1)
		var inference *InferenceError
		assert.True(t, errors.As(err, &inference))
	}
}
