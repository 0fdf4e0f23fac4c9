package model

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// DefaultTopK is the number of classes returned when no K is configured.
const DefaultTopK = 5

// Softmax converts logits into a probability distribution. The maximum is
// subtracted before exponentiation so large logits cannot overflow.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}

	peak := logits[0]
	for _, v := range logits[1:] {
		if v > peak {
			peak = v
		}
	}

	var sum float64
	for i, v := range logits {
		e := math32.Exp(v - peak)
		out[i] = e
		sum += float64(e)
	}
	for i, e := range out {
		out[i] = float32(float64(e) / sum)
	}
	return out
}

// TopK returns the indices of the k largest probabilities in descending
// order. Equal probabilities keep the lower index first. k larger than the
// number of classes is clamped.
func TopK(probs []float32, k int) ([]int, error) {
	if k < 1 {
		return nil, errors.Errorf("k must be at least 1, got %d", k)
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k], nil
}

// Postprocess turns raw model output into the top-k labeled predictions.
func Postprocess(logits []float32, labels *Labels, k int) ([]Prediction, error) {
	if len(logits) == 0 {
		return nil, &InferenceError{Err: errors.New("model produced no scores")}
	}
	for i, v := range logits {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, &InferenceError{Err: errors.Errorf("model produced non-finite score at index %d", i)}
		}
	}

	probs := Softmax(logits)
	top, err := TopK(probs, k)
	if err != nil {
		return nil, err
	}

	out := make([]Prediction, 0, len(top))
	for _, i := range top {
		name, err := labels.Name(i)
		if err != nil {
			return nil, err
		}
		out = append(out, Prediction{Index: i, Label: name, Probability: probs[i]})
	}
	return out, nil
}
