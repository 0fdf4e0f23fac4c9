//go:build gocv

package preprocess

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/andandandand/model-deployment-workshop/internal/model"
)

var gocvInterpolations = map[string]gocv.InterpolationFlags{
	InterpolationNearest:  gocv.InterpolationNearestNeighbor,
	InterpolationBilinear: gocv.InterpolationLinear,
	InterpolationBicubic:  gocv.InterpolationCubic,
	InterpolationLanczos3: gocv.InterpolationLanczos4,
}

// GoCV preprocesses with OpenCV. Geometry matches Native; resampling
// filters differ slightly, so outputs are close but not bit-identical.
type GoCV struct {
	opts   Options
	interp gocv.InterpolationFlags
}

// NewGoCV creates an OpenCV-backed preprocessor.
func NewGoCV(opts Options) (Preprocessor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &GoCV{opts: opts, interp: gocvInterpolations[opts.Interpolation]}, nil
}

// Preprocess resizes and crops with OpenCV, packs NCHW with BlobFromImage
// and applies mean/std per channel plane.
func (p *GoCV) Preprocess(img *Image) (model.Tensor, error) {
	if img == nil || img.Pixels == nil || img.Width <= 0 || img.Height <= 0 {
		return model.Tensor{}, &InvalidDimensionsError{}
	}

	// ImageToMatRGB yields a BGR Mat.
	mat, err := gocv.ImageToMatRGB(img.Pixels)
	if err != nil {
		return model.Tensor{}, errors.Wrap(err, "convert image to Mat")
	}
	defer mat.Close()

	rw, rh := ResizeDims(p.opts.ResizeMode, p.opts.ResizeSize, img.Width, img.Height)
	crop := p.opts.CropSize
	x0, y0 := CenterCropOrigin(rw, rh, crop)

	resized := gocv.NewMat()
	defer resized.Close()
	var roi gocv.Mat
	if rw*rh <= p.opts.resizeBudget() {
		gocv.Resize(mat, &resized, image.Pt(rw, rh), 0, 0, p.interp)
		roi = resized.Region(image.Rect(x0, y0, x0+crop, y0+crop))
	} else {
		win := mat.Region(SourceWindow(img.Width, img.Height, rw, rh, x0, y0, crop))
		defer win.Close()
		gocv.Resize(win, &resized, image.Pt(crop, crop), 0, 0, p.interp)
		roi = resized.Region(image.Rect(0, 0, crop, crop))
	}
	defer roi.Close()

	blob := gocv.BlobFromImage(roi, 1.0/255.0, image.Pt(crop, crop), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	raw, err := blob.DataPtrFloat32()
	if err != nil {
		return model.Tensor{}, errors.Wrap(err, "read blob data")
	}

	plane := crop * crop
	if len(raw) != 3*plane {
		return model.Tensor{}, errors.Errorf("blob holds %d values, want %d", len(raw), 3*plane)
	}
	data := make([]float32, len(raw))
	for c := 0; c < 3; c++ {
		for i := 0; i < plane; i++ {
			data[c*plane+i] = (raw[c*plane+i] - p.opts.Mean[c]) / p.opts.Std[c]
		}
	}
	return model.Tensor{Shape: p.opts.Shape(), DType: model.Float32, Data: data}, nil
}
