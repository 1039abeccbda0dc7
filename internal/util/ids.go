// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
	"net"

	"github.com/google/uuid"
)

// NewSessionID returns a short random identifier used to tag a session's
// log lines.
func NewSessionID() string {
	return uuid.NewString()[:8]
}

// StreamIDFromConn computes a 4-byte hash from a TCP connection's 4-tuple
// (local IP, local port, remote IP, remote port). The hash is used solely
// for identification and does not need to be reversible.
func StreamIDFromConn(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}

// StreamLabel is the data channel label carrying the stream with the given
// ID, e.g. "tcp-0a1b2c3d".
func StreamLabel(prefix string, id uint32) string {
	return fmt.Sprintf("%s-%08x", prefix, id)
}
