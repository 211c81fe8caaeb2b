package errors

import (
	"fmt"
	"net/http"

	"github.com/zsiec/playcore/internal/media"
)

// Download error codes, one per request category.
const (
	CodeDownloadManifest       = "DOWNLOAD_ERROR_ID_MANIFEST"
	CodeDownloadXLink          = "DOWNLOAD_ERROR_ID_XLINK"
	CodeDownloadInitialization = "DOWNLOAD_ERROR_ID_INITIALIZATION"
	CodeDownloadContent        = "DOWNLOAD_ERROR_ID_CONTENT"
	CodeContentLengthMismatch  = "DOWNLOAD_CONTENT_LENGTH_MISMATCH"

	CodeMediaSourceCreation = "MEDIA_SOURCE_CREATION"
	CodeAppendFailed        = "APPEND_FAILED"
	CodeRemoveFailed        = "REMOVE_FAILED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodePlaybackElement     = "PLAYBACK_ELEMENT"
)

// DownloadCodeFor maps a request type to its download error code.
func DownloadCodeFor(t media.RequestType) string {
	switch t {
	case media.RequestMPD:
		return CodeDownloadManifest
	case media.RequestXLinkExpansion:
		return CodeDownloadXLink
	case media.RequestInitSegment:
		return CodeDownloadInitialization
	default:
		return CodeDownloadContent
	}
}

// NewDownloadError reports a request abandoned after its retry budget ran out.
func NewDownloadError(code, url string, details map[string]interface{}) *AppError {
	errType := ErrorTypeDownload
	if code == CodeContentLengthMismatch {
		errType = ErrorTypeContentLengthMismatch
	}
	return New(errType, fmt.Sprintf("failed loading %s", url), http.StatusBadGateway).
		WithCode(code).
		WithDetails(details)
}

// NewMediaSourceError reports a sink that could not be created or driven.
func NewMediaSourceError(err error, code, message string) *AppError {
	return Wrap(err, ErrorTypeMediaSource, message, http.StatusInternalServerError).WithCode(code)
}

// NewPlaybackError reports an error raised by the playback element.
func NewPlaybackError(err error) *AppError {
	return Wrap(err, ErrorTypePlayback, "playback element error", http.StatusInternalServerError).
		WithCode(CodePlaybackElement)
}

// IsDownloadError reports whether err is a terminal download failure.
func IsDownloadError(err error) bool {
	return HasType(err, ErrorTypeDownload, ErrorTypeContentLengthMismatch)
}

// Reporter receives non-fatal errors raised inside the playback core.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

func (f ReporterFunc) Report(err error) {
	f(err)
}

// DiscardReporter drops every report.
var DiscardReporter Reporter = ReporterFunc(func(error) {})
