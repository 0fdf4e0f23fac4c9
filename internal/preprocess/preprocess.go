package preprocess

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gorgonia.org/tensor"

	"github.com/andandandand/model-deployment-workshop/internal/model"
)

// ResizeMode selects how the image is scaled before the center crop.
type ResizeMode string

const (
	// ResizeShorter scales the shorter side to ResizeSize, keeping the
	// aspect ratio. This matches the torchvision evaluation transform.
	ResizeShorter ResizeMode = "shorter"
	// ResizeSquare scales the whole image to ResizeSize x ResizeSize.
	ResizeSquare ResizeMode = "square"
)

// Backends that can produce tensors.
const (
	BackendNative = "native"
	BackendGoCV   = "gocv"
)

// Interpolation names accepted in Options.
const (
	InterpolationNearest  = "nearest"
	InterpolationBilinear = "bilinear"
	InterpolationBicubic  = "bicubic"
	InterpolationLanczos3 = "lanczos3"
)

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Options defines the transform applied to every image.
type Options struct {
	// ResizeMode is ResizeShorter or ResizeSquare.
	ResizeMode ResizeMode
	// Interpolation is the resampling filter name.
	Interpolation string
	// ResizeSize is the target of the resize step (256 for ImageNet models).
	ResizeSize int
	// CropSize is the side of the square center crop (224).
	CropSize int
	// Mean and Std normalize each RGB channel after scaling to [0, 1].
	Mean [3]float32
	Std  [3]float32
}

// DefaultOptions returns the ImageNet evaluation transform.
func DefaultOptions() Options {
	return Options{
		ResizeMode:    ResizeShorter,
		Interpolation: InterpolationBilinear,
		ResizeSize:    256,
		CropSize:      224,
		Mean:          ImageNetMean,
		Std:           ImageNetStd,
	}
}

// Validate checks that the options describe a usable transform.
func (o Options) Validate() error {
	if o.ResizeMode != ResizeShorter && o.ResizeMode != ResizeSquare {
		return errors.Errorf("unknown resize mode %q", o.ResizeMode)
	}
	if _, ok := interpolations[o.Interpolation]; !ok {
		return errors.Errorf("unknown interpolation %q", o.Interpolation)
	}
	if o.CropSize <= 0 || o.ResizeSize < o.CropSize {
		return errors.Errorf("crop size %d must be positive and not larger than resize size %d", o.CropSize, o.ResizeSize)
	}
	for c, s := range o.Std {
		if s == 0 {
			return errors.Errorf("std for channel %d is zero", c)
		}
	}
	return nil
}

// resizeBudget caps the pixel count of the full resize. Larger targets,
// which only come from very elongated images, take the windowed path.
func (o Options) resizeBudget() int {
	return 16 * o.ResizeSize * o.ResizeSize
}

// Shape is the tensor shape produced by these options.
func (o Options) Shape() []int64 {
	return []int64{1, 3, int64(o.CropSize), int64(o.CropSize)}
}

var interpolations = map[string]resize.InterpolationFunction{
	InterpolationNearest:  resize.NearestNeighbor,
	InterpolationBilinear: resize.Bilinear,
	InterpolationBicubic:  resize.Bicubic,
	InterpolationLanczos3: resize.Lanczos3,
}

// Preprocessor turns a decoded image into a model input tensor.
type Preprocessor interface {
	Preprocess(img *Image) (model.Tensor, error)
}

// NewBackend returns the preprocessor implementation named by backend.
func NewBackend(backend string, opts Options) (Preprocessor, error) {
	switch backend {
	case "", BackendNative:
		p, err := New(opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	case BackendGoCV:
		return NewGoCV(opts)
	default:
		return nil, errors.Errorf("unknown preprocess backend %q", backend)
	}
}

// Native is the pure Go preprocessor. It holds no per-call state and is
// safe for concurrent use.
type Native struct {
	opts   Options
	interp resize.InterpolationFunction
}

// New creates a Native preprocessor.
func New(opts Options) (*Native, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Native{opts: opts, interp: interpolations[opts.Interpolation]}, nil
}

// Preprocess resizes, center-crops and normalizes img into an NCHW float32
// tensor of shape [1, 3, CropSize, CropSize].
func (p *Native) Preprocess(img *Image) (model.Tensor, error) {
	if img == nil || img.Pixels == nil || img.Width <= 0 || img.Height <= 0 {
		w, h := 0, 0
		if img != nil {
			w, h = img.Width, img.Height
		}
		return model.Tensor{}, &InvalidDimensionsError{Width: w, Height: h}
	}

	rw, rh := ResizeDims(p.opts.ResizeMode, p.opts.ResizeSize, img.Width, img.Height)
	crop := p.opts.CropSize
	x0, y0 := CenterCropOrigin(rw, rh, crop)
	cropped := image.NewNRGBA(image.Rect(0, 0, crop, crop))

	if rw*rh <= p.opts.resizeBudget() {
		resized := resize.Resize(uint(rw), uint(rh), img.Pixels, p.interp)
		draw.Draw(cropped, cropped.Bounds(), resized, resized.Bounds().Min.Add(image.Pt(x0, y0)), draw.Src)
	} else {
		// Extreme aspect ratios: only the part of the source under the crop
		// window is resampled.
		win := SourceWindow(img.Width, img.Height, rw, rh, x0, y0, crop)
		src := image.NewNRGBA(image.Rect(0, 0, win.Dx(), win.Dy()))
		draw.Draw(src, src.Bounds(), img.Pixels, win.Min, draw.Src)
		resized := resize.Resize(uint(crop), uint(crop), src, p.interp)
		draw.Draw(cropped, cropped.Bounds(), resized, resized.Bounds().Min, draw.Src)
	}

	data, err := p.normalize(cropped)
	if err != nil {
		return model.Tensor{}, err
	}
	return model.Tensor{Shape: p.opts.Shape(), DType: model.Float32, Data: data}, nil
}

// normalize scales pixels to [0, 1], applies mean/std per channel and
// moves the channel axis first.
func (p *Native) normalize(img *image.NRGBA) ([]float32, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	hwc := make([]float32, h*w*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(x, y)
			base := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / 255.0
				hwc[base+c] = (v - p.opts.Mean[c]) / p.opts.Std[c]
			}
		}
	}

	t := tensor.New(tensor.WithShape(h, w, 3), tensor.WithBacking(hwc))
	if err := t.T(2, 0, 1); err != nil {
		return nil, errors.Wrap(err, "permute axes to CHW")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "materialize CHW layout")
	}
	return t.Float32s(), nil
}

// ResizeDims returns the size an image of w x h is scaled to before the
// crop.
func ResizeDims(mode ResizeMode, size, w, h int) (int, int) {
	if mode == ResizeSquare {
		return size, size
	}
	if w <= h {
		return size, size * h / w
	}
	return size * w / h, size
}

// SourceWindow maps the crop window at (x0, y0) in a w x h image resized
// to rw x rh back to source pixel coordinates. The window is widened to
// whole pixels and is never empty.
func SourceWindow(w, h, rw, rh, x0, y0, crop int) image.Rectangle {
	span := func(n, rn, off int) (int, int) {
		scale := float64(n) / float64(rn)
		lo := int(math.Floor(float64(off) * scale))
		hi := int(math.Ceil(float64(off+crop) * scale))
		lo = max(0, min(lo, n-1))
		hi = max(lo+1, min(hi, n))
		return lo, hi
	}
	minX, maxX := span(w, rw, x0)
	minY, maxY := span(h, rh, y0)
	return image.Rect(minX, minY, maxX, maxY)
}

// CenterCropOrigin returns the top-left corner of a crop x crop window
// centered in a w x h image. Halves round to even.
func CenterCropOrigin(w, h, crop int) (int, int) {
	x0 := int(math.RoundToEven(float64(w-crop) / 2))
	y0 := int(math.RoundToEven(float64(h-crop) / 2))
	return x0, y0
}
