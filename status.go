package spanz

// Status is the outcome of a span. The empty status means unset.
type Status string

const (
	StatusUnset              Status = ""
	StatusOK                 Status = "ok"
	StatusCancelled          Status = "cancelled"
	StatusUnknownError       Status = "unknown_error"
	StatusInvalidArgument    Status = "invalid_argument"
	StatusDeadlineExceeded   Status = "deadline_exceeded"
	StatusNotFound           Status = "not_found"
	StatusAlreadyExists      Status = "already_exists"
	StatusPermissionDenied   Status = "permission_denied"
	StatusResourceExhausted  Status = "resource_exhausted"
	StatusFailedPrecondition Status = "failed_precondition"
	StatusUnimplemented      Status = "unimplemented"
	StatusInternalError      Status = "internal_error"
	StatusUnavailable        Status = "unavailable"
	StatusUnauthenticated    Status = "unauthenticated"
)

// StatusFromHTTPCode maps an HTTP response code to a span status.
func StatusFromHTTPCode(code int) Status {
	if code < 400 && code >= 100 {
		return StatusOK
	}

	if code >= 400 && code < 500 {
		switch code {
		case 401:
			return StatusUnauthenticated
		case 403:
			return StatusPermissionDenied
		case 404:
			return StatusNotFound
		case 409:
			return StatusAlreadyExists
		case 413:
			return StatusFailedPrecondition
		case 429:
			return StatusResourceExhausted
		default:
			return StatusInvalidArgument
		}
	}

	if code >= 500 && code < 600 {
		switch code {
		case 501:
			return StatusUnimplemented
		case 503:
			return StatusUnavailable
		case 504:
			return StatusDeadlineExceeded
		default:
			return StatusInternalError
		}
	}

	return StatusUnknownError
}
