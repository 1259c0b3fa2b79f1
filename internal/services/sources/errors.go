package sources

import (
	"errors"

	xhttp "SettleGuard/pkg/http"
)

var (
	// ErrUnexpectedStatus is returned when an HTTP source answers with a non-2xx status.
	ErrUnexpectedStatus = xhttp.ErrUnexpectedStatus
	// ErrMalformedQuote is returned when a source answers with a payload that is not a quote.
	ErrMalformedQuote = errors.New("malformed quote")
	// ErrSourceError is returned when a streaming source reports an error frame.
	ErrSourceError = errors.New("source reported error")
	// ErrTimeout wraps context.DeadlineExceeded for fetches cut off by TimeoutSource.
	ErrTimeout = errors.New("quote fetch timed out")
	// ErrSourceNotAllowed is returned for data sources the registry refuses to fetch.
	ErrSourceNotAllowed = errors.New("source not allowed")
)
