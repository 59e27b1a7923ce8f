package m2m

import (
	"errors"

	"github.com/google/uuid"
)

// FilterCriteria carries the discovery filter of a request.
type FilterCriteria struct {
	Ty             []ResourceType    `json:"ty,omitempty"`
	CreatedBefore  string            `json:"crb,omitempty"`
	CreatedAfter   string            `json:"cra,omitempty"`
	ModifiedSince  string            `json:"ms,omitempty"`
	Labels         []string          `json:"lbl,omitempty"`
	Attributes     map[string]string `json:"atr,omitempty"`
	Level          int               `json:"lvl,omitempty"`
	Limit          int               `json:"lim,omitempty"`
	Offset         int               `json:"ofst,omitempty"`
	FilterUsage    int               `json:"fu,omitempty"`
	FilterOperation string           `json:"fo,omitempty"` // "and" (default) or "or"
}

// Request is the oneM2M request primitive envelope at the core boundary.
type Request struct {
	Op   Operation      `json:"op"`
	To   string         `json:"to"`
	From string         `json:"fr"`
	RQI  string         `json:"rqi"`
	RVI  string         `json:"rvi,omitempty"`
	Ty   ResourceType   `json:"ty,omitempty"`
	PC   map[string]any `json:"pc,omitempty"`
	FC   *FilterCriteria `json:"fc,omitempty"`
}

// Response is the oneM2M response primitive envelope.
type Response struct {
	RSC RSC            `json:"rsc"`
	RQI string         `json:"rqi,omitempty"`
	PC  map[string]any `json:"pc,omitempty"`
	Dbg string         `json:"dbg,omitempty"`
}

// NewRequest builds a request envelope. The originator argument always wins:
// a primitive content that itself carries a "fr" is never consulted. This is
// the single envelope builder for the whole CSE.
func NewRequest(op Operation, to, originator string, pc map[string]any) *Request {
	return &Request{
		Op:   op,
		To:   to,
		From: originator,
		RQI:  uuid.NewString(),
		RVI:  ReleaseVersion,
		PC:   pc,
	}
}

// ReleaseVersion is the oneM2M release version indicator the CSE reports.
const ReleaseVersion = "3"

// ErrorResponse builds a response envelope from an error.
func ErrorResponse(rqi string, err error) *Response {
	rsp := &Response{RSC: RSCOf(err), RQI: rqi}
	var e *Error
	if errors.As(err, &e) {
		rsp.Dbg = e.Dbg
	} else if err != nil {
		rsp.Dbg = err.Error()
	}
	return rsp
}
