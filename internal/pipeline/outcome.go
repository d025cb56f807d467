// Package pipeline wires the gateway's filter chain: an explicit,
// constructor-injected sequence of filters that each return a tagged
// Outcome instead of raising an error up a call stack.
package pipeline

import "net/http"

// Kind classifies a terminal pipeline error, mapped to an HTTP status
// and JSON envelope by the coordinator alone.
type Kind string

const (
	KindNone            Kind = ""
	KindRateLimited     Kind = "rate_limited"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindCircuitOpen     Kind = "circuit_open"
	KindTooBusy         Kind = "too_busy"
	KindNoRoute         Kind = "no_route"
	KindNoInstance      Kind = "no_instance_available"
	KindUpstream        Kind = "upstream_error"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindRequestTooLarge Kind = "request_too_large"
	KindInternal        Kind = "internal_error"
)

// StatusFor maps a Kind to its HTTP status code.
func StatusFor(k Kind) int {
	switch k {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindCircuitOpen, KindTooBusy, KindNoInstance:
		return http.StatusServiceUnavailable
	case KindNoRoute:
		return http.StatusNotFound
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstream:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// MessageFor maps a Kind to the human-readable message carried in the
// error envelope's "message" field, separate from the machine-readable
// Kind string used internally for logging and metrics.
func MessageFor(k Kind) string {
	switch k {
	case KindRateLimited:
		return "rate limit exceeded"
	case KindUnauthorized:
		return "authentication required"
	case KindForbidden:
		return "access denied"
	case KindCircuitOpen:
		return "service temporarily unavailable"
	case KindTooBusy:
		return "service temporarily unavailable"
	case KindNoInstance:
		return "service temporarily unavailable"
	case KindNoRoute:
		return "no matching route"
	case KindRequestTooLarge:
		return "request entity too large"
	case KindUpstream:
		return "upstream request failed"
	case KindUpstreamTimeout:
		return "upstream request timed out"
	default:
		return "internal server error"
	}
}

// Tag distinguishes the three Outcome variants.
type Tag int

const (
	TagContinue Tag = iota
	TagShortCircuit
	TagError
)

// Outcome is the sum type every filter returns: proceed to the next
// filter, end the chain with an already-written response, or end the
// chain with a classified error for the coordinator to render.
type Outcome struct {
	Tag     Tag
	Kind    Kind
	Err     error
	Headers map[string]string
	Detail  map[string]any
}

func Continue() Outcome { return Outcome{Tag: TagContinue} }

func ShortCircuit() Outcome { return Outcome{Tag: TagShortCircuit} }

func Error(kind Kind, err error) Outcome {
	return Outcome{Tag: TagError, Kind: kind, Err: err}
}

func ErrorWithDetail(kind Kind, err error, detail map[string]any) Outcome {
	return Outcome{Tag: TagError, Kind: kind, Err: err, Detail: detail}
}

func ErrorWithHeaders(kind Kind, err error, headers map[string]string) Outcome {
	return Outcome{Tag: TagError, Kind: kind, Err: err, Headers: headers}
}

func (o Outcome) IsContinue() bool { return o.Tag == TagContinue }
func (o Outcome) IsError() bool    { return o.Tag == TagError }
