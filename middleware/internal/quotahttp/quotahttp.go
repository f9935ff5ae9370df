// Package quotahttp holds the response conventions shared by the HTTP
// middleware packages.
package quotahttp

import (
	"fmt"
	"strconv"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

const (
	HeaderLimit     = "X-Quota-Limit"
	HeaderUsage     = "X-Quota-Usage"
	HeaderRemaining = "X-Quota-Remaining"
	HeaderWarning   = "X-Quota-Warning"
)

// ExceededBody is the JSON body of a 429 response.
type ExceededBody struct {
	Error    string `json:"error"`
	Usage    int    `json:"usage"`
	Limit    int    `json:"limit"`
	WindowMs int64  `json:"window_ms"`
	Key      string `json:"key"`
}

// NewExceededBody describes err for the client.
func NewExceededBody(err *windowquota.QuotaExceededError) ExceededBody {
	return ExceededBody{
		Error:    "Quota exceeded",
		Usage:    err.Usage,
		Limit:    err.Limit,
		WindowMs: err.Window.Milliseconds(),
		Key:      err.Key,
	}
}

// ErrorBody is the JSON body of a 500 response.
type ErrorBody struct {
	Error string `json:"error"`
}

// InternalErrorBody never exposes the cause to the client.
var InternalErrorBody = ErrorBody{Error: "Internal Server Error"}

// SetHeaders writes the usage headers for v through set. A failed-open verdict
// carries no usage, so it gets none.
func SetHeaders(v *windowquota.Verdict, set func(key, value string)) {
	if v == nil || v.Decision == windowquota.DecisionFailedOpen {
		return
	}
	set(HeaderLimit, strconv.Itoa(v.Limit))
	set(HeaderUsage, strconv.Itoa(v.Usage))
	set(HeaderRemaining, strconv.Itoa(v.Remaining()))
	if v.Decision == windowquota.DecisionWarned {
		set(HeaderWarning, fmt.Sprintf("quota exceeded: usage %d/%d", v.Usage, v.Limit))
	}
}
