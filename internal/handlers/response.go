package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/andandandand/model-deployment-workshop/internal/model"
)

// Probabilities encodes as a JSON object {"<label>": p, ...} whose keys
// keep the descending probability order.
type Probabilities []model.Prediction

// MarshalJSON implements json.Marshaler.
func (p Probabilities) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pred := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(pred.Label)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(pred.Probability)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Top1Response is the body in top1 mode.
type Top1Response struct {
	Prediction string `json:"prediction"`
}

// TopKResponse is the body in topk mode with the envelope enabled.
type TopKResponse struct {
	Probabilities Probabilities `json:"probabilities"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorResponse{Detail: detail})
}
