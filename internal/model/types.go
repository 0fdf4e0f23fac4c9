package model

// DType names the element type of a Tensor.
type DType string

// Float32 is the only element type the classifier graph accepts.
const Float32 DType = "float32"

// Metadata describes the loaded graph. It is filled from the model file at
// startup and is read-only afterwards.
type Metadata struct {
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	Classes     int     `json:"classes"`
}

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	DType DType
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Prediction is one labeled entry of a top-K result.
type Prediction struct {
	Index       int     `json:"index"`
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}
