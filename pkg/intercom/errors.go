package intercom

import "errors"

var (
	// ErrNotConnected is returned by sends attempted outside the ready state.
	ErrNotConnected = errors.New("intercom not connected")
	// ErrAuthFailed reports that the device rejected the secret key.
	ErrAuthFailed = errors.New("intercom authentication failed")
	// ErrClientClosed is returned when Disconnect interrupted a connect.
	ErrClientClosed = errors.New("intercom client closed")
	// ErrEmptySecret is returned when connecting without a secret key.
	ErrEmptySecret = errors.New("intercom secret key is empty")
	// ErrAlreadyConnected is returned when a session is already live or
	// being established.
	ErrAlreadyConnected = errors.New("intercom session already active")
	// ErrUnexpectedResponse is returned by Probe when the device does not
	// follow the authentication handshake.
	ErrUnexpectedResponse = errors.New("intercom unexpected response")
)
