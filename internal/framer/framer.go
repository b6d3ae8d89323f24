// Package framer holds incremental filters applied to the bytes received by
// a probe: telnet option negotiation and HTTP response framing. All filters
// accept input split at arbitrary boundaries.
package framer

import "errors"

// ErrFraming is wrapped by every error caused by malformed peer data
var ErrFraming = errors.New("protocol framing error")

// ErrNoResponse is returned when the peer closed without sending anything
var ErrNoResponse = errors.New("connection closed without response")
