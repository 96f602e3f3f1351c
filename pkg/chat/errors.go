package chat

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Error taxonomy. Wrap these with errors.Wrap and test them with errors.Is.
var (
	// ErrAuth signals invalid credentials on login or account creation.
	ErrAuth = errors.New("authentication failed")
	// ErrUnknownMember signals an email that matches no known user when creating a chat.
	ErrUnknownMember = errors.New("unknown member")
	// ErrNetwork covers any failed fetch, including unexpected HTTP statuses.
	ErrNetwork = errors.New("network error")
	// ErrSessionExpired is returned by the self lookup when the server answers 401 or 403.
	ErrSessionExpired = errors.New("session expired")
	// ErrChannel signals a push channel transport failure.
	ErrChannel = errors.New("channel error")
)

// UnknownMemberError names the email that could not be resolved.
type UnknownMemberError struct {
	Email string
}

func (e *UnknownMemberError) Error() string {
	return fmt.Sprintf("unknown member %q", e.Email)
}

func (e *UnknownMemberError) Is(target error) bool {
	return target == ErrUnknownMember
}

// HTTPError carries the status of a failed REST call. It matches ErrNetwork, and also
// ErrSessionExpired for 401/403 responses.
type HTTPError struct {
	Method string
	Path   string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return true
	case ErrSessionExpired:
		return e.Status == http.StatusForbidden || e.Status == http.StatusUnauthorized
	default:
		return false
	}
}

// NetworkError wraps err so that it matches ErrNetwork while keeping the original cause.
func NetworkError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNetwork) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrap(&wrapped{kind: ErrNetwork, cause: err}, msg)
}

// ChannelError wraps err so that it matches ErrChannel.
func ChannelError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannel) {
		return errors.Wrap(err, msg)
	}
	return errors.Wrap(&wrapped{kind: ErrChannel, cause: err}, msg)
}

type wrapped struct {
	kind  error
	cause error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.cause.Error()
}

func (w *wrapped) Is(target error) bool { return target == w.kind }

func (w *wrapped) Unwrap() error { return w.cause }
