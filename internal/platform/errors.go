package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

// TransientError marks a platform failure worth retrying: rate limits,
// timeouts, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *TransientError) Error() string {
	return fmt.Sprintf("platform %s: transient: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a platform failure that retrying cannot fix:
// missing permissions, unknown targets, malformed requests.
type PermanentError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("platform %s: permanent: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable platform failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable platform failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classify wraps a raw API error into the transient/permanent taxonomy.
// Unknown failures default to transient so a flaky network never turns
// into a silently dropped moderation action.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Op: op, Err: err}
	}

	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch code := rest.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return &TransientError{Op: op, Err: err}
		case code >= 500:
			return &TransientError{Op: op, Err: err}
		case code == http.StatusForbidden,
			code == http.StatusNotFound,
			code == http.StatusUnauthorized,
			code == http.StatusBadRequest:
			return &PermanentError{Op: op, Err: err}
		}
	}

	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &TransientError{Op: op, Err: err}
	}

	return &TransientError{Op: op, Err: err}
}
