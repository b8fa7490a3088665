package restapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Detail     string
	Violations []string
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("restapi: %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("restapi: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: body}
	if !gjson.ValidBytes(body) {
		e.Detail = strings.TrimSpace(string(body))
		if len(e.Detail) > 200 {
			e.Detail = e.Detail[:200]
		}
		return e
	}
	root := gjson.ParseBytes(body)
	for _, v := range root.Get("violations").Array() {
		e.Violations = append(e.Violations, v.String())
	}
	e.Detail = extractDetail(root)
	return e
}

// extractDetail digs a human-readable message out of the common error
// shapes: {"detail"}, {"message"}, {"error"}, {"non_field_errors": [...]},
// or the first field error of a validation map.
func extractDetail(root gjson.Result) string {
	for _, key := range []string{"detail", "message", "error"} {
		if v := root.Get(key); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	if v := root.Get("non_field_errors.0"); v.Exists() {
		return v.String()
	}
	var detail string
	root.ForEach(func(key, value gjson.Result) bool {
		if key.String() == "violations" {
			return true
		}
		if value.IsArray() && len(value.Array()) > 0 {
			detail = key.String() + ": " + value.Array()[0].String()
			return false
		}
		if value.Type == gjson.String {
			detail = key.String() + ": " + value.String()
			return false
		}
		return true
	})
	return detail
}

// IsPolicyViolation reports whether err is a 4xx refusal carrying content
// policy violations.
func IsPolicyViolation(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && len(apiErr.Violations) > 0
}

// ErrorMessage returns the best user-facing text for err.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Detail != "" {
			return apiErr.Detail
		}
		return http.StatusText(apiErr.StatusCode)
	}
	return err.Error()
}
