package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/andandandand/model-deployment-workshop/internal/preprocess"
)

// formOverhead is the slack allowed on top of the file size for multipart
// boundaries and headers.
const formOverhead = 1 << 20

// uploadFields are the form fields accepted for the image, in order.
var uploadFields = []string{"file", "image"}

// ValidationError rejects an upload with a 4xx status.
type ValidationError struct {
	Status int
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Upload is a request that passed validation.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	Image       *preprocess.Image
}

// Validate reads the multipart upload from r and checks presence, size,
// declared content type and that the bytes really decode as an image.
// Every rejection is a *ValidationError.
func Validate(w http.ResponseWriter, r *http.Request, opts Options) (*Upload, error) {
	limit := opts.MaxUploadBytes
	if r.ContentLength > limit+formOverhead {
		return nil, tooLarge(limit, nil)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)

	if err := r.ParseMultipartForm(limit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(limit, err)
		}
		return nil, &ValidationError{Status: http.StatusBadRequest, Reason: "Expected a multipart/form-data body", Err: err}
	}

	var (
		file   io.ReadCloser
		header *fileHeader
	)
	for _, field := range uploadFields {
		f, h, err := r.FormFile(field)
		if err == nil {
			file, header = f, &fileHeader{name: h.Filename, size: h.Size, contentType: h.Header.Get("Content-Type")}
			break
		}
	}
	if file == nil {
		return nil, &ValidationError{
			Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("No image file provided. Use %q as the form field name", uploadFields[0]),
		}
	}
	defer file.Close()

	if header.size > limit {
		return nil, tooLarge(limit, nil)
	}

	contentType, ok := allowedType(header.contentType, opts.AllowedTypes)
	if !ok {
		return nil, &ValidationError{
			Status: http.StatusUnsupportedMediaType,
			Reason: fmt.Sprintf("Invalid file type. Allowed types: %s", strings.Join(opts.AllowedTypes, ", ")),
		}
	}

	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, &ValidationError{Status: http.StatusBadRequest, Reason: "Failed to read uploaded file", Err: err}
	}
	if int64(len(data)) > limit {
		return nil, tooLarge(limit, nil)
	}

	img, err := preprocess.Decode(data, opts.MaxPixels)
	if err != nil {
		return nil, decodeRejection(err)
	}

	return &Upload{
		Filename:    header.name,
		ContentType: contentType,
		Data:        data,
		Image:       img,
	}, nil
}

type fileHeader struct {
	name        string
	size        int64
	contentType string
}

func tooLarge(limit int64, err error) *ValidationError {
	return &ValidationError{
		Status: http.StatusRequestEntityTooLarge,
		Reason: fmt.Sprintf("File size exceeds limit of %g MB", float64(limit)/(1<<20)),
		Err:    err,
	}
}

func allowedType(header string, allowed []string) (string, bool) {
	if header == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	mediaType = strings.ToLower(mediaType)
	for _, a := range allowed {
		if strings.EqualFold(a, mediaType) {
			return mediaType, true
		}
	}
	return mediaType, false
}

func decodeRejection(err error) *ValidationError {
	var (
		tooBig *preprocess.TooLargeError
		dims   *preprocess.InvalidDimensionsError
	)
	switch {
	case errors.As(err, &tooBig):
		return &ValidationError{Status: http.StatusRequestEntityTooLarge, Reason: tooBig.Error(), Err: err}
	case errors.As(err, &dims):
		return &ValidationError{Status: http.StatusUnsupportedMediaType, Reason: "Image has no pixels", Err: err}
	default:
		return &ValidationError{Status: http.StatusUnsupportedMediaType, Reason: "Uploaded file is not a valid image", Err: err}
	}
}
