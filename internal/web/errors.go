package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/renderinc/libris/internal/catalog"
	"github.com/renderinc/libris/internal/convert"
	"github.com/renderinc/libris/internal/pathsafe"
	"github.com/renderinc/libris/internal/scan"
	"github.com/renderinc/libris/internal/search"
	"go.uber.org/zap"
)

// Stable error kinds returned to clients
const (
	KindInvalidRequest    = "invalid_request"
	KindNotFound          = "not_found"
	KindQuery             = "query_error"
	KindStorage           = "storage_error"
	KindWalk              = "walk_error"
	KindScanInProgress    = "scan_in_progress"
	KindUnsupportedFormat = "unsupported_format"
	KindPathTraversal     = "path_traversal"
	KindConversion        = "conversion_error"
	KindConversionTimeout = "conversion_timeout"
	KindCORSRejected      = "cors_rejected"
	KindMethodNotAllowed  = "method_not_allowed"
	KindInternal          = "internal_error"
)

// apiError is an error that already knows its HTTP shape
type apiError struct {
	status  int
	kind    string
	message string
}

func (e *apiError) Error() string {
	return e.message
}

var (
	errNotFound         = &apiError{http.StatusNotFound, KindNotFound, "not found"}
	errScanInProgress   = &apiError{http.StatusConflict, KindScanInProgress, "a scan is already running"}
	errCORSRejected     = &apiError{http.StatusForbidden, KindCORSRejected, "origin not allowed"}
	errMethodNotAllowed = &apiError{http.StatusMethodNotAllowed, KindMethodNotAllowed, "method not allowed"}
)

func invalidRequest(msg string) error {
	return &apiError{http.StatusBadRequest, KindInvalidRequest, msg}
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// classify maps an error to its status, kind, message and details. Messages
// for 5xx responses are fixed strings; the underlying error is only logged.
func classify(err error) (int, errorResponse) {
	var (
		apiErr     *apiError
		walkErr    *scan.WalkError
		storageErr *catalog.StorageError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr.status, errorResponse{Kind: apiErr.kind, Error: apiErr.message}
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest, errorResponse{Kind: KindQuery, Error: "invalid search term", Details: queryDetail(err)}
	case errors.Is(err, pathsafe.ErrTraversal):
		return http.StatusBadRequest, errorResponse{Kind: KindPathTraversal, Error: "path is outside the library"}
	case errors.Is(err, convert.ErrUnsupportedFormat):
		return http.StatusBadRequest, errorResponse{Kind: KindUnsupportedFormat, Error: err.Error()}
	case errors.Is(err, convert.ErrSourceNotFound):
		return http.StatusNotFound, errorResponse{Kind: KindNotFound, Error: "source file not found"}
	case errors.Is(err, convert.ErrTimeout):
		return http.StatusGatewayTimeout, errorResponse{Kind: KindConversionTimeout, Error: "conversion timed out"}
	case errors.Is(err, convert.ErrConverterFailed):
		return http.StatusInternalServerError, errorResponse{Kind: KindConversion, Error: "failed to process book", Details: "converter exited with an error"}
	case errors.Is(err, convert.ErrNoOutput):
		return http.StatusInternalServerError, errorResponse{Kind: KindConversion, Error: "failed to process book", Details: "converter produced no output"}
	case errors.As(err, &walkErr):
		return http.StatusInternalServerError, errorResponse{Kind: KindWalk, Error: "library root could not be read"}
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError, errorResponse{Kind: KindStorage, Error: "catalog storage is unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{Kind: KindInternal, Error: "internal error"}
	}
}

// queryDetail drops the sentinel prefix from a query error
func queryDetail(err error) string {
	msg := strings.TrimPrefix(err.Error(), search.ErrInvalidQuery.Error())
	return strings.TrimPrefix(msg, ": ")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	resp.RequestID = requestIDFrom(r.Context())

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", resp.Kind),
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
