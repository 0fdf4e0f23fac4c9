package model

import (
	"context"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Execution providers the engine can attach to its session.
const (
	ProviderCPU    = "cpu"
	ProviderCUDA   = "cuda"
	ProviderCoreML = "coreml"
)

// EngineOptions configures how the model session is created.
type EngineOptions struct {
	// ModelPath is the ONNX graph to load.
	ModelPath string
	// SharedLibraryPath points at libonnxruntime; empty uses the default search.
	SharedLibraryPath string
	// InputShape is the shape requests will be fed with. Dynamic (-1)
	// dimensions declared by the graph are resolved from it.
	InputShape []int64
	// Provider is one of ProviderCPU, ProviderCUDA or ProviderCoreML.
	Provider string
	// IntraOpThreads and InterOpThreads are passed to the session; 0 lets
	// the runtime decide.
	IntraOpThreads int
	InterOpThreads int
	// Warmup is the number of zero-filled passes run before serving.
	Warmup int
}

// Engine runs a single ONNX classification graph. The session binds its
// tensors per call, so Run is safe for concurrent use.
type Engine struct {
	session  *ort.DynamicAdvancedSession
	metadata Metadata
}

// NewEngine loads the model once. Every failure is an *InitializationError.
// An environment created here is destroyed again if loading fails.
func NewEngine(opts EngineOptions) (_ *Engine, err error) {
	if opts.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, initError(errors.Wrap(err, "initialize ONNX environment"))
		}
		defer func() {
			if err != nil {
				_ = ort.DestroyEnvironment()
			}
		}()
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, initError(errors.Wrapf(err, "read model %s", opts.ModelPath))
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, initError(errors.Errorf("expected one input and at least one output, model has %d inputs and %d outputs",
			len(inputs), len(outputs)))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, initError(errors.Errorf("model input/output must be float32, got %v/%v", in.DataType, out.DataType))
	}

	inShape, err := resolveInputShape(in.Dimensions, opts.InputShape)
	if err != nil {
		return nil, initError(err)
	}
	outShape, err := resolveOutputShape(out.Dimensions)
	if err != nil {
		return nil, initError(err)
	}

	options, err := sessionOptions(opts)
	if err != nil {
		return nil, initError(err)
	}
	defer options.Destroy()

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{in.Name}, []string{out.Name}, options)
	if err != nil {
		return nil, initError(errors.Wrap(err, "create ONNX session"))
	}

	e := &Engine{
		session: session,
		metadata: Metadata{
			InputName:   in.Name,
			OutputName:  out.Name,
			InputShape:  inShape,
			OutputShape: outShape,
			Classes:     int(outShape[len(outShape)-1]),
		},
	}

	for i := 0; i < opts.Warmup; i++ {
		zero := Tensor{Shape: inShape, DType: Float32}
		zero.Data = make([]float32, zero.Len())
		if _, err := e.Run(context.Background(), zero); err != nil {
			session.Destroy()
			return nil, initError(errors.Wrapf(err, "warmup pass %d", i+1))
		}
	}

	return e, nil
}

func initError(err error) error {
	return &InitializationError{Resource: "model", Err: err}
}

func sessionOptions(opts EngineOptions) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create session options")
	}
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "set intra-op threads")
		}
	}
	if opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(opts.InterOpThreads); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "set inter-op threads")
		}
	}

	switch opts.Provider {
	case "", ProviderCPU:
	case ProviderCoreML:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable CoreML")
		}
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "create CUDA options")
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, errors.Wrap(err, "enable CUDA")
		}
	default:
		options.Destroy()
		return nil, errors.Errorf("unknown execution provider %q", opts.Provider)
	}
	return options, nil
}

// resolveInputShape reconciles the declared input dims with the shape the
// preprocessor produces.
func resolveInputShape(declared, want []int64) ([]int64, error) {
	if len(want) == 0 {
		want = declared
	}
	if len(declared) != len(want) {
		return nil, &ShapeMismatchError{Want: declared, Got: want}
	}
	shape := make([]int64, len(declared))
	for i, d := range declared {
		switch {
		case want[i] <= 0 && d <= 0:
			if i != 0 {
				return nil, errors.Errorf("input dimension %d is dynamic and no size was configured", i)
			}
			shape[i] = 1
		case d <= 0:
			shape[i] = want[i]
		case want[i] > 0 && want[i] != d:
			return nil, &ShapeMismatchError{Want: declared, Got: want}
		default:
			shape[i] = d
		}
	}
	return shape, nil
}

func resolveOutputShape(declared []int64) ([]int64, error) {
	if len(declared) == 0 {
		return nil, errors.New("model output has no dimensions")
	}
	shape := make([]int64, len(declared))
	for i, d := range declared {
		if d <= 0 {
			if i != 0 {
				return nil, errors.Errorf("output dimension %d is dynamic", i)
			}
			d = 1
		}
		shape[i] = d
	}
	return shape, nil
}

// CheckShape reports a *ShapeMismatchError unless t matches want exactly.
func CheckShape(want []int64, t Tensor) error {
	mismatch := &ShapeMismatchError{Want: want, Got: t.Shape}
	if t.DType != Float32 || len(t.Shape) != len(want) {
		return mismatch
	}
	for i := range want {
		if want[i] != t.Shape[i] {
			return mismatch
		}
	}
	if len(t.Data) != t.Len() {
		return mismatch
	}
	return nil
}

// Metadata returns the resolved graph description.
func (e *Engine) Metadata() Metadata {
	return e.metadata
}

// Run executes one forward pass and returns the flattened output.
func (e *Engine) Run(ctx context.Context, t Tensor) ([]float32, error) {
	if err := CheckShape(e.metadata.InputShape, t); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &InferenceError{Err: err}
	}

	input, err := ort.NewTensor(ort.NewShape(t.Shape...), t.Data)
	if err != nil {
		return nil, &InferenceError{Err: errors.Wrap(err, "create input tensor")}
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(e.metadata.OutputShape...))
	if err != nil {
		return nil, &InferenceError{Err: errors.Wrap(err, "create output tensor")}
	}
	defer output.Destroy()

	if err := e.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, &InferenceError{Err: err}
	}

	data := output.GetData()
	res := make([]float32, len(data))
	copy(res, data)
	return res, nil
}

// Close releases the session and the runtime environment.
func (e *Engine) Close() error {
	var firstErr error
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			firstErr = errors.Wrap(err, "destroy ONNX session")
		}
		e.session = nil
	}
	if err := ort.DestroyEnvironment(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "destroy ONNX environment")
	}
	return firstErr
}
