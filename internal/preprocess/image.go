// Package preprocess - Decoding uploads and turning them into model input tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Image is a decoded picture converted to 8-bit RGB. Alpha is always 255.
type Image struct {
	// Format is the decoder that recognized the bytes (jpeg, png, ...).
	Format string
	// Width of the image in pixels.
	Width int
	// Height of the image in pixels.
	Height int
	// Pixels holds the RGB data, origin at (0, 0).
	Pixels *image.NRGBA
}

// DecodeError is returned when bytes are not a readable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvalidDimensionsError is returned for images with no pixels.
type InvalidDimensionsError struct {
	Width  int
	Height int
}

func (e *InvalidDimensionsError) Error() string {
	return fmt.Sprintf("invalid image dimensions %dx%d", e.Width, e.Height)
}

// TooLargeError is returned when the header announces more pixels than
// the configured ceiling.
type TooLargeError struct {
	Width  int
	Height int
	Limit  int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("image of %dx%d pixels exceeds the limit of %d pixels", e.Width, e.Height, e.Limit)
}

// Decode verifies the image header, then decodes the full image and
// converts it to RGB. maxPixels <= 0 disables the size check.
//
// Arguments:
//   - data: The raw uploaded bytes.
//   - maxPixels: Upper bound on width*height.
//
// Returns:
//   - *Image: The decoded RGB image.
//   - error: *DecodeError, *InvalidDimensionsError or *TooLargeError.
func Decode(data []byte, maxPixels int) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &InvalidDimensionsError{Width: cfg.Width, Height: cfg.Height}
	}
	if maxPixels > 0 && cfg.Width*cfg.Height > maxPixels {
		return nil, &TooLargeError{Width: cfg.Width, Height: cfg.Height, Limit: maxPixels}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	out, err := FromImage(img)
	if err != nil {
		return nil, err
	}
	out.Format = format
	return out, nil
}

// FromImage converts any image.Image (gray, paletted, CMYK, with alpha, ...)
// to RGB.
func FromImage(img image.Image) (*Image, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, &InvalidDimensionsError{Width: b.Dx(), Height: b.Dy()}
	}

	rgb := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgb, rgb.Bounds(), img, b.Min, draw.Src)
	for i := 3; i < len(rgb.Pix); i += 4 {
		rgb.Pix[i] = 0xff
	}

	return &Image{
		Width:  b.Dx(),
		Height: b.Dy(),
		Pixels: rgb,
	}, nil
}
