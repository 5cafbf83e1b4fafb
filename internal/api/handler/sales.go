package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/stockpilot/internal/api/response"
	"github.com/kiranshivaraju/stockpilot/internal/jobs"
)

// DefaultMaxUploadBytes bounds the size of an uploaded sales file.
const DefaultMaxUploadBytes = 10 << 20

const uploadScheduledMessage = "Sales data upload has been scheduled. Check job status for progress."

// NewUploadSalesHandler returns an http.HandlerFunc for POST /api/v1/sales/upload.
// The CSV arrives either as the "file" field of a multipart form or as a
// text/csv request body.
func NewUploadSalesHandler(svc JobService, maxBytes int64) http.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		content, uerr := readCSV(r, maxBytes)
		if uerr != nil {
			response.Error(w, uerr.status, uerr.code, uerr.message, nil)
			return
		}

		job, err := svc.SubmitIngestion(r.Context(), submission(p), content)
		if err != nil {
			if errors.Is(err, jobs.ErrInvalidSubmission) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
				return
			}
			slog.Error("sales upload submission failed", "company_id", p.CompanyID, "error", err)
			internalError(w)
			return
		}

		response.Accepted(w, submitResponse{JobID: job.ID, Status: job.Status, Message: uploadScheduledMessage})
	}
}

type uploadError struct {
	status  int
	code    string
	message string
}

var errUnsupportedUpload = &uploadError{http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
	"Upload a multipart form with a CSV file field or a text/csv body"}

// readCSV extracts the uploaded file content.
func readCSV(r *http.Request, maxBytes int64) (string, *uploadError) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "", errUnsupportedUpload
	}

	var body io.Reader
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return "", readError(err, "Invalid multipart form")
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", &uploadError{http.StatusBadRequest, "INVALID_REQUEST", "The form must carry a file field"}
		}
		defer file.Close()
		if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
			return "", &uploadError{http.StatusBadRequest, "INVALID_FILE_TYPE", "Invalid file type. Please upload a CSV file."}
		}
		body = file
	case "text/csv":
		body = r.Body
	default:
		return "", errUnsupportedUpload
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", readError(err, "Failed to read the uploaded file")
	}
	if !utf8.Valid(raw) {
		return "", &uploadError{http.StatusBadRequest, "INVALID_ENCODING", "The uploaded file must be UTF-8 encoded"}
	}
	return string(raw), nil
}

func readError(err error, message string) *uploadError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &uploadError{http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "The uploaded file is too large"}
	}
	return &uploadError{http.StatusBadRequest, "INVALID_REQUEST", message}
}
