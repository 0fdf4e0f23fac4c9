package model

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestCheckShape(t *testing.T) {
	want := []int64{1, 3, 224, 224}
	ok := Tensor{Shape: []int64{1, 3, 224, 224}, DType: Float32, Data: make([]float32, 3*224*224)}
	assert.NoError(t, CheckShape(want, ok))

	bad := map[string]Tensor{
		"wrong size":  {Shape: []int64{1, 3, 256, 256}, DType: Float32, Data: make([]float32, 3*256*256)},
		"wrong rank":  {Shape: []int64{3, 224, 224}, DType: Float32, Data: make([]float32, 3*224*224)},
		"short data":  {Shape: []int64{1, 3, 224, 224}, DType: Float32, Data: make([]float32, 10)},
		"wrong dtype": {Shape: []int64{1, 3, 224, 224}, DType: "float64", Data: make([]float32, 3*224*224)},
	}
	for name, tensor := range bad {
		t.Run(name, func(t *testing.T) {
			err := CheckShape(want, tensor)
			var mismatch *ShapeMismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.Equal(t, want, mismatch.Want)
		})
	}
}

func TestResolveInputShape(t *testing.T) {
	shape, err := resolveInputShape([]int64{-1, 3, 224, 224}, []int64{1, 3, 224, 224})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 224, 224}, shape)

	shape, err = resolveInputShape([]int64{1, 3, -1, -1}, []int64{1, 3, 224, 224})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 224, 224}, shape)

	shape, err = resolveInputShape([]int64{-1, 3, 224, 224}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 224, 224}, shape)

	_, err = resolveInputShape([]int64{1, 3, 299, 299}, []int64{1, 3, 224, 224})
	var mismatch *ShapeMismatchError
	assert.True(t, errors.As(err, &mismatch))

	_, err = resolveInputShape([]int64{1, 3, 224}, []int64{1, 3, 224, 224})
	assert.Error(t, err)

	_, err = resolveInputShape([]int64{1, 3, -1, 224}, nil)
	assert.Error(t, err)
}

func TestResolveOutputShape(t *testing.T) {
	shape, err := resolveOutputShape([]int64{-1, 1000})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1000}, shape)

	_, err = resolveOutputShape([]int64{1, -1})
	assert.Error(t, err)

	_, err = resolveOutputShape(nil)
	assert.Error(t, err)
}

func TestTensorLen(t *testing.T) {
	assert.Equal(t, 150528, Tensor{Shape: []int64{1, 3, 224, 224}}.Len())
	assert.Equal(t, 0, Tensor{}.Len())
}

func TestNewEngineMissingModel(t *testing.T) {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	if lib == "" {
		t.Skip("ONNXRUNTIME_LIB not set")
	}
	wasInitialized := ort.IsInitialized()

	_, err := NewEngine(EngineOptions{ModelPath: "does-not-exist.onnx", SharedLibraryPath: lib})
	var initErr *InitializationError
	assert.True(t, errors.As(err, &initErr))
	if !wasInitialized {
		assert.False(t, ort.IsInitialized(), "failed load releases the environment it created")
	}
}

// TestEngineConcurrentRun runs a real classifier graph from many goroutines
// and checks every call sees only its own input.
//
// Requires ORT_TEST_MODEL (an ImageNet-style [1,3,224,224] -> [1,N] graph)
// and ONNXRUNTIME_LIB.
func TestEngineConcurrentRun(t *testing.T) {
	modelPath, lib := os.Getenv("ORT_TEST_MODEL"), os.Getenv("ONNXRUNTIME_LIB")
	if modelPath == "" || lib == "" {
		t.Skip("ORT_TEST_MODEL or ONNXRUNTIME_LIB not set")
	}

	engine, err := NewEngine(EngineOptions{
		ModelPath:         modelPath,
		SharedLibraryPath: lib,
		InputShape:        []int64{1, 3, 224, 224},
		Warmup:            1,
	})
	require.NoError(t, err)
	defer engine.Close()

	inputs := make([]Tensor, 4)
	for i := range inputs {
		inputs[i] = Tensor{Shape: []int64{1, 3, 224, 224}, DType: Float32, Data: make([]float32, 3*224*224)}
		for j := range inputs[i].Data {
			inputs[i].Data[j] = float32(i) - 1.5
		}
	}

	want := make([][]float32, len(inputs))
	for i, in := range inputs {
		want[i], err = engine.Run(context.Background(), in)
		require.NoError(t, err)
		assert.Len(t, want[i], engine.Metadata().Classes)
	}

	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			i := n % len(inputs)
			got, err := engine.Run(context.Background(), inputs[i])
			if assert.NoError(t, err) {
				assert.InDeltaSlice(t, want[i], got, 1e-4)
			}
		}(n)
	}
	wg.Wait()

	_, err = engine.Run(context.Background(), Tensor{Shape: []int64{1, 3, 10, 10}, DType: Float32, Data: make([]float32, 300)})
	var mismatch *ShapeMismatchError
	assert.True(t, errors.As(err, &mismatch))
}
