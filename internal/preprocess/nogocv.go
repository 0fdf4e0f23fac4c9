//go:build !gocv

package preprocess

import "github.com/pkg/errors"

// NewGoCV reports that this binary was built without OpenCV support.
func NewGoCV(opts Options) (Preprocessor, error) {
	return nil, errors.New("preprocess backend gocv requires building with -tags gocv")
}
