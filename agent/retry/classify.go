package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"
	"github.com/uptrace/bun/driver/pgdriver"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type Kind string

const (
	KindAgentNotFound        Kind = "agent_not_found"
	KindAgentInactive        Kind = "agent_inactive"
	KindModelTimeout         Kind = "model_timeout"
	KindModelRateLimit       Kind = "model_rate_limit"
	KindModelAPIError        Kind = "model_api_error"
	KindRetrievalTimeout     Kind = "retrieval_timeout"
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	KindRetrievalNoResults   Kind = "retrieval_no_results"
	KindToolFailed           Kind = "tool_failed"
	KindToolTimeout          Kind = "tool_timeout"
	KindToolNotFound         Kind = "tool_not_found"
	KindDatastoreConnection  Kind = "datastore_connection"
	KindDatastoreQuery       Kind = "datastore_query"
	KindNetwork              Kind = "network"
	KindRequestTimeout       Kind = "request_timeout"
	KindConfiguration        Kind = "configuration"
	KindValidation           Kind = "validation"
	KindCancelled            Kind = "cancelled"
	KindUnknown              Kind = "unknown"
)

// Scope tells the classifier which collaborator produced an error so that
// generic failures such as deadlines land in the right family.
type Scope int

const (
	ScopeGeneral Scope = iota
	ScopeModel
	ScopeRetrieval
	ScopeTool
	ScopeDatastore
)

func (s Scope) String() string {
	switch s {
	case ScopeModel:
		return "model"
	case ScopeRetrieval:
		return "retrieval"
	case ScopeTool:
		return "tool"
	case ScopeDatastore:
		return "datastore"
	default:
		return "general"
	}
}

type kindSpec struct {
	status    int
	retryable bool
	message   string
	hint      string
}

var kindTable = map[Kind]kindSpec{
	KindAgentNotFound:        {http.StatusNotFound, false, "The selected expert could not be found.", "Choose another expert or let the system pick one."},
	KindAgentInactive:        {http.StatusConflict, false, "The selected expert is currently unavailable.", "Choose another expert or let the system pick one."},
	KindModelTimeout:         {http.StatusGatewayTimeout, true, "The language model took too long to respond.", ""},
	KindModelRateLimit:       {http.StatusTooManyRequests, true, "The language model is receiving too many requests right now.", ""},
	KindModelAPIError:        {http.StatusBadGateway, true, "The language model returned an unexpected response.", ""},
	KindRetrievalTimeout:     {http.StatusGatewayTimeout, true, "Searching the knowledge base took too long.", ""},
	KindRetrievalUnavailable: {http.StatusServiceUnavailable, true, "The knowledge base is temporarily unavailable.", ""},
	KindRetrievalNoResults:   {http.StatusOK, false, "No matching knowledge was found.", "Try rephrasing the question."},
	KindToolFailed:           {http.StatusBadGateway, true, "A tool failed while working on your question.", ""},
	KindToolTimeout:          {http.StatusGatewayTimeout, true, "A tool took too long to respond.", ""},
	KindToolNotFound:         {http.StatusNotFound, false, "A requested tool is not available.", "Ask without relying on that tool."},
	KindDatastoreConnection:  {http.StatusServiceUnavailable, true, "The service could not reach its database.", ""},
	KindDatastoreQuery:       {http.StatusInternalServerError, false, "The service could not read its data.", "Contact support if the problem persists."},
	KindNetwork:              {http.StatusServiceUnavailable, true, "A network problem interrupted the request.", ""},
	KindRequestTimeout:       {http.StatusGatewayTimeout, true, "The request took too long to complete.", ""},
	KindConfiguration:        {http.StatusInternalServerError, false, "The service is misconfigured.", "Contact the operator of this deployment."},
	KindValidation:           {http.StatusBadRequest, false, "The request is not valid.", "Check the question and settings, then send it again."},
	KindCancelled:            {499, false, "The request was cancelled.", ""},
	KindUnknown:              {http.StatusInternalServerError, false, "Something went wrong while answering.", "Contact support if the problem persists."},
}

// Error is the classified error record surfaced to callers and audit.
type Error struct {
	Kind      Kind
	Status    int
	Retryable bool
	Message   string
	Hint      string
	Metadata  map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// UserMessage is the plain-language text shown to end users.
func (e *Error) UserMessage() string {
	if e.Retryable {
		return e.Message + " Please try again."
	}
	if e.Hint != "" {
		return e.Message + " " + e.Hint
	}
	return e.Message
}

func (e *Error) With(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// New builds a record for kind with the taxonomy defaults.
func New(kind Kind, cause error) *Error {
	spec, ok := kindTable[kind]
	if !ok {
		kind = KindUnknown
		spec = kindTable[KindUnknown]
	}
	return &Error{
		Kind:      kind,
		Status:    spec.status,
		Retryable: spec.retryable,
		Message:   spec.message,
		Hint:      spec.hint,
		Cause:     cause,
	}
}

func As(err error) (*Error, bool) {
	var rec *Error
	if errors.As(err, &rec) {
		return rec, true
	}
	return nil, false
}

// Classify maps err onto the taxonomy. It is pure and safe for concurrent use.
func Classify(scope Scope, err error) *Error {
	if err == nil {
		return nil
	}
	if rec, ok := As(err); ok {
		return rec
	}

	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(timeoutKind(scope), err)
	}

	var oaiErr *openaisdk.Error
	if errors.As(err, &oaiErr) {
		return classifyProviderStatus(oaiErr.StatusCode, err).With("provider", "openai")
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return classifyProviderStatus(antErr.StatusCode, err).With("provider", "anthropic")
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr, err)
	}

	switch {
	case errors.Is(err, contractx.ErrAgentNotFound):
		return New(KindAgentNotFound, err)
	case errors.Is(err, contractx.ErrAgentInactive):
		return New(KindAgentInactive, err)
	case errors.Is(err, contractx.ErrValidation):
		return New(KindValidation, err)
	case errors.Is(err, contractx.ErrConfiguration), errors.Is(err, contractx.ErrPromptMissing):
		return New(KindConfiguration, err)
	case errors.Is(err, contractx.ErrToolNotFound):
		return New(KindToolNotFound, err)
	case errors.Is(err, contractx.ErrToolFailed):
		return New(KindToolFailed, err)
	case errors.Is(err, contractx.ErrSchemaViolation):
		return New(KindModelAPIError, err).With("schema_violation", true)
	case errors.Is(err, contractx.ErrModelInvoke):
		return New(KindModelAPIError, err)
	case errors.Is(err, contractx.ErrRetrieval):
		return New(KindRetrievalUnavailable, err)
	case errors.Is(err, contractx.ErrDatastore):
		return New(KindDatastoreQuery, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return New(timeoutKind(scope), err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return New(KindDatastoreConnection, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		if scope == ScopeDatastore {
			return New(KindDatastoreConnection, err)
		}
		return New(KindNetwork, err)
	}

	switch scope {
	case ScopeModel:
		return New(KindModelAPIError, err)
	case ScopeRetrieval:
		return New(KindRetrievalUnavailable, err)
	case ScopeTool:
		return New(KindToolFailed, err)
	case ScopeDatastore:
		return New(KindDatastoreQuery, err)
	default:
		return New(KindUnknown, err)
	}
}

func timeoutKind(scope Scope) Kind {
	switch scope {
	case ScopeModel:
		return KindModelTimeout
	case ScopeRetrieval:
		return KindRetrievalTimeout
	case ScopeTool:
		return KindToolTimeout
	case ScopeDatastore:
		return KindDatastoreConnection
	default:
		return KindRequestTimeout
	}
}

func classifyProviderStatus(status int, err error) *Error {
	var rec *Error
	switch {
	case status == http.StatusTooManyRequests:
		rec = New(KindModelRateLimit, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		rec = New(KindModelTimeout, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		rec = New(KindConfiguration, err)
	case status >= http.StatusInternalServerError:
		rec = New(KindModelAPIError, err)
	default:
		rec = New(KindModelAPIError, err)
		rec.Retryable = false
	}
	return rec.With("provider_status", status)
}

func classifyPostgres(pgErr pgdriver.Error, err error) *Error {
	code := pgErr.Field('C')
	var rec *Error
	switch {
	case strings.HasPrefix(code, "08"), code == "57P01", code == "53300":
		rec = New(KindDatastoreConnection, err)
	case strings.HasPrefix(code, "40"):
		rec = New(KindDatastoreQuery, err)
		rec.Retryable = true
	default:
		rec = New(KindDatastoreQuery, err)
	}
	return rec.With("sqlstate", code)
}
