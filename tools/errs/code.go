package errs

import "net/http"

var (
	ErrArgs            = NewCodeError(http.StatusBadRequest, "invalid argument")
	ErrUnauthorized    = NewCodeError(http.StatusUnauthorized, "missing or invalid api key")
	ErrSessionNotFound = NewCodeError(http.StatusNotFound, "session not found")
	ErrSessionNotReady = NewCodeError(http.StatusConflict, "session not ready")
	ErrInternal        = NewCodeError(http.StatusInternalServerError, "internal error")
	ErrTransport       = NewCodeError(http.StatusInternalServerError, "transport failure")
)

const ServerInternalError = http.StatusInternalServerError
