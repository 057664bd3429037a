package correlator

import "errors"

var (
	// ErrNotConnected is returned when no open connection exists for the
	// requested session (or no session is connected at all).
	ErrNotConnected = errors.New("correlator: not connected")

	// ErrTimeout is returned when no response arrived within the command window.
	ErrTimeout = errors.New("correlator: command timed out")

	// ErrConnectionClosed is returned when the connection carrying a command
	// closed, or could not transmit it, before a response arrived.
	ErrConnectionClosed = errors.New("correlator: connection closed")

	// ErrUnsolicitedResponse is returned by Deliver for ids with no pending
	// command: duplicates, late arrivals after a timeout, or plain garbage.
	ErrUnsolicitedResponse = errors.New("correlator: unsolicited response")
)
