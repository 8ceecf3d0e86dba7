// ABOUTME: Protocol version range and negotiation for the connect handshake
// ABOUTME: The server picks the highest version both sides support

package protocol

import (
	"errors"
	"fmt"
)

// Protocol versions supported by this build.
const (
	MinProtocol = 2
	MaxProtocol = 3
)

// ErrProtocolMismatch indicates the client and server version ranges do not overlap.
var ErrProtocolMismatch = errors.New("protocol mismatch")

// Negotiate returns the highest version in the overlap of the client range
// and the server range.
func Negotiate(clientMin, clientMax, serverMin, serverMax int) (int, error) {
	if clientMin <= 0 || clientMax < clientMin {
		return 0, fmt.Errorf("%w: invalid client range [%d, %d]", ErrProtocolMismatch, clientMin, clientMax)
	}
	lo := max(clientMin, serverMin)
	hi := min(clientMax, serverMax)
	if lo > hi {
		return 0, fmt.Errorf("%w: client [%d, %d], server [%d, %d]", ErrProtocolMismatch, clientMin, clientMax, serverMin, serverMax)
	}
	return hi, nil
}
