// Package failure decides whether an error is worth retrying and formats root
// causes for issue diagnostics. No other package derives retryability.
package failure

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
)

// transientMessages are substrings of transport failures that carry no typed cause
var transientMessages = []string{
	"premature",
	"connection reset",
	"broken pipe",
	"closed channel",
}

// StatusCoder is implemented by errors that carry the HTTP status of a remote call
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryable reports whether err is a transient failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// typed transport faults are matched anywhere in the chain since net and
	// syscall errors wrap each other; message matching looks at the root only
	if isTransportError(err) || hasTransientMessage(RootCause(err)) {
		return true
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		return ShouldRetry(coder.HTTPStatus())
	}

	return false
}

// ShouldRetry is true for server errors, 404 and 429
func ShouldRetry(status int) bool {
	return status >= 500 && status < 600 ||
		status == http.StatusNotFound ||
		status == http.StatusTooManyRequests
}

// RootCause follows the Unwrap chain to its end. For joined errors the first one is followed.
func RootCause(err error) error {
	for err != nil {
		var next error
		switch wrapped := err.(type) {
		case interface{ Unwrap() error }:
			next = wrapped.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := wrapped.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}

// RootCauseMessage formats the root cause as "TypeName: message", or just the
// type name when the message is empty
func RootCauseMessage(err error) string {
	root := RootCause(err)
	if root == nil {
		return ""
	}

	name := typeName(root)
	if msg := root.Error(); msg != "" {
		return name + ": " + msg
	}
	return name
}

func typeName(err error) string {
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

func isTransportError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return mongo.IsNetworkError(err)
}

func hasTransientMessage(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
