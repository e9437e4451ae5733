package gateway

import "errors"

var (
	// ErrNetworkFailure means the fetch was rejected or timed out.
	ErrNetworkFailure = errors.New("network failure")
	// ErrStoreMiss means a store lookup found nothing.
	ErrStoreMiss = errors.New("store miss")
	// ErrNoResponseAvailable means both the network and the store failed.
	// It is the only failure a client ever sees as a failed load.
	ErrNoResponseAvailable = errors.New("no response available")
	// ErrMalformedPushPayload is logged and recovered with default text.
	ErrMalformedPushPayload = errors.New("malformed push payload")
	// ErrNoWindow means no window of the audience could display a
	// notification.
	ErrNoWindow = errors.New("no window connected")
)
