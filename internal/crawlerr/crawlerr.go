// Package crawlerr defines the classified error taxonomy shared by every
// stage of the crawl pipeline. A classified *Error always carries the kind of
// failure that occurred so retry and concurrency decisions can be made
// without re-inspecting the underlying error.
package crawlerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category a failure belongs to. Retry policies key
// their decisions off Kind, never off the underlying error value.
type Kind string

const (
	KindNetworkTimeout        Kind = "network_timeout"
	KindDisconnected          Kind = "disconnected"
	KindTLS                   Kind = "tls"
	KindServerError           Kind = "server_error"
	KindRateLimit             Kind = "rate_limit"
	KindNotFound              Kind = "not_found"
	KindClientError           Kind = "client_error"
	KindParseError            Kind = "parse_error"
	KindValidationTimeout     Kind = "validation_timeout"
	KindSchemaViolation       Kind = "schema_violation"
	KindDatabaseConnection    Kind = "database_connection"
	KindDatabaseTimeout       Kind = "database_timeout"
	KindDatabaseLock          Kind = "database_lock"
	KindIntegrityViolation    Kind = "integrity_violation"
	KindCancelled             Kind = "cancelled"
	KindTimeout               Kind = "timeout"
	KindSiteNotAccessible     Kind = "site_not_accessible"
	KindInconsistentState     Kind = "inconsistent_state"
)

// Error wraps an underlying failure with the operation that produced it,
// its classified Kind, and (for HTTP-kind errors) the observed status code.
type Error struct {
	Op     string
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error for op/kind wrapping err.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewHTTP builds a classified error carrying an observed HTTP status.
func NewHTTP(op string, kind Kind, status int, err error) *Error {
	return &Error{Op: op, Kind: kind, Status: status, Err: err}
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	ce, ok := As(err)
	if !ok {
		return "", false
	}
	return ce.Kind, true
}

var (
	// ErrSiteNotAccessible signals the target site could not be reached
	// during analysis; the planner responds with a NoAction plan.
	ErrSiteNotAccessible = errors.New("crawlerr: site not accessible")
	// ErrReplanRequired signals a resume token's plan digest no longer
	// matches the plan a fresh analysis would produce.
	ErrReplanRequired = errors.New("crawlerr: replan required")
	// ErrInvalidBounds signals a canonical-coordinate argument violated
	// its documented constraints.
	ErrInvalidBounds = errors.New("crawlerr: invalid coordinate bounds")
)
