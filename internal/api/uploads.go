package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"chapterhub/internal/ingest"
)

const (
	// DefaultMaxUploadBytes caps the size of an uploaded chapter file.
	DefaultMaxUploadBytes int64 = 5 << 20
	uploadField                 = "file"
	// multipartSlack covers boundaries and part headers around the file.
	multipartSlack int64 = 64 << 10
)

var errUploadTooLarge = errors.New("upload exceeds size limit")

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

func (h *Handler) uploadDir() (string, error) {
	dir := h.UploadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "chapterhub-uploads")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	return dir, nil
}

// stageUpload copies the multipart "file" field to disk. It returns a nil
// file when the request carries no such field; the pipeline reports that as
// a missing upload.
func (h *Handler) stageUpload(w http.ResponseWriter, r *http.Request) (*ingest.StagedFile, error) {
	limit := h.maxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)

	reader, err := r.MultipartReader()
	if errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, ValidationError("Invalid multipart payload", err)
	}

	var staged *ingest.StagedFile
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discardStaged(staged)
			return nil, uploadReadError(err)
		}
		if part.FormName() != uploadField || part.FileName() == "" || staged != nil {
			_ = part.Close()
			continue
		}
		if !isJSONPart(part) {
			_ = part.Close()
			return nil, ValidationError("Only JSON files are allowed", nil)
		}
		staged, err = h.saveMultipartFile(part, limit)
		if err != nil {
			return nil, uploadReadError(err)
		}
	}
	return staged, nil
}

func (h *Handler) saveMultipartFile(part *multipart.Part, limit int64) (*ingest.StagedFile, error) {
	defer part.Close()
	dir, err := h.uploadDir()
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "file-*.json")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(part, limit+1))
	if err == nil && written > limit {
		err = errUploadTooLarge
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	return &ingest.StagedFile{Path: tmp.Name(), Name: part.FileName(), Size: written}, nil
}

func isJSONPart(part *multipart.Part) bool {
	mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.Is(err, errUploadTooLarge) || errors.As(err, &maxErr) {
		return ValidationError("File too large", errUploadTooLarge)
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ValidationError("Invalid multipart payload", err)
	}
	return InternalError("Error uploading chapters", err)
}

func discardStaged(file *ingest.StagedFile) {
	if file != nil {
		_ = os.Remove(file.Path)
	}
}
