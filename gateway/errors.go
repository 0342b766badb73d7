package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/valyala/fastjson"
)

// MaxErrorReasonLength bounds engine error reasons so a single bad document cannot flood logs.
const MaxErrorReasonLength = 256

// Error is a request the search engine rejected.
type Error struct {
	Status int
	Type   string
	Reason string
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Reason)
	}
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Type, e.Reason)
}

// Is lets errors.Is match engine errors against the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrIndexExists:
		return e.Type == "resource_already_exists_exception"
	case ErrIndexNotFound:
		return e.Type == "index_not_found_exception"
	}
	return false
}

// IsNotFound reports whether err is an engine 404.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// IsTransient reports whether a request that failed with err may succeed if retried unchanged.
func IsTransient(err error) bool {
	if errors.Is(err, ErrClusterUnavailable) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
	}
	return false
}

// parseError decodes the engine's error body.  The "error" member is either an object with type/reason or,
// for some 404s, a bare string.
func parseError(status int, body []byte) *Error {
	e := &Error{Status: status, Reason: http.StatusText(status)}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		if len(body) > 0 {
			e.Reason = truncate(string(body))
		}
		return e
	}
	parseErrorValue(v.Get("error"), e)
	return e
}

func parseErrorValue(v *fastjson.Value, e *Error) {
	if v == nil {
		return
	}
	switch v.Type() {
	case fastjson.TypeString:
		e.Reason = truncate(string(v.GetStringBytes()))
	case fastjson.TypeObject:
		if t := v.GetStringBytes("type"); len(t) > 0 {
			e.Type = string(t)
		}
		if r := v.GetStringBytes("reason"); len(r) > 0 {
			e.Reason = truncate(string(r))
		}
		// Bulk item failures often carry the useful reason one level down.
		if cause := v.Get("caused_by"); cause != nil && e.Reason == "" {
			inner := &Error{}
			parseErrorValue(cause, inner)
			e.Reason = inner.Reason
		}
	}
}

func truncate(s string) string {
	if len(s) > MaxErrorReasonLength {
		return s[:MaxErrorReasonLength] + "..."
	}
	return s
}
