// Package protocol is the frame-based sync protocol between a remote
// client and the daemon. Every frame is one Envelope in deterministic
// CBOR; transports (WebSocket, QUIC) carry opaque frames and know
// nothing about their content.
package protocol

import (
	"fmt"
	"time"

	"github.com/driftsync/driftsync/pkg/docstore"
	"github.com/driftsync/driftsync/pkg/encoding"
)

// Op identifies the purpose of an Envelope.
type Op uint8

const (
	OpUnknown Op = iota

	// Session setup. Hello carries an optional auth token; Welcome
	// confirms the session (Fields carries the verified identity) or
	// Error rejects it.
	OpHello
	OpWelcome

	// Watch management. WatchDoc/WatchSet open a server-side watch
	// under the client-chosen WatchID; Unwatch closes it. The server
	// pushes DocSnapshot/SetSnapshot frames tagged with the WatchID,
	// current state first.
	OpWatchDoc
	OpWatchSet
	OpUnwatch
	OpDocSnapshot
	OpSetSnapshot

	// Writes. Write overwrites the document at Path with Fields,
	// Delete removes it; both are acknowledged by Ack (or Error)
	// correlated through ReqID.
	OpWrite
	OpDelete
	OpAck
	OpError

	// Liveness.
	OpPing
	OpPong
)

func (o Op) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpWelcome:
		return "welcome"
	case OpWatchDoc:
		return "watch-doc"
	case OpWatchSet:
		return "watch-set"
	case OpUnwatch:
		return "unwatch"
	case OpDocSnapshot:
		return "doc-snapshot"
	case OpSetSnapshot:
		return "set-snapshot"
	case OpWrite:
		return "write"
	case OpDelete:
		return "delete"
	case OpAck:
		return "ack"
	case OpError:
		return "error"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Envelope is one protocol frame. Unused fields stay at their zero
// value and are omitted from the encoding.
type Envelope struct {
	Op      Op     `cbor:"op"`
	ReqID   uint64 `cbor:"req,omitempty"`
	WatchID uint64 `cbor:"watch,omitempty"`

	Path  string              `cbor:"path,omitempty"`
	Query *docstore.QuerySpec `cbor:"query,omitempty"`
	Token string              `cbor:"token,omitempty"`

	Exists     bool            `cbor:"exists,omitempty"`
	Fields     docstore.Fields `cbor:"fields,omitempty"`
	Docs       []Doc           `cbor:"docs,omitempty"`
	UpdateTime time.Time       `cbor:"ts"`

	Err string `cbor:"err,omitempty"`
}

// Doc is one member of a set snapshot on the wire.
type Doc struct {
	ID     string          `cbor:"id"`
	Path   string          `cbor:"path"`
	Fields docstore.Fields `cbor:"fields"`
}

// Encode marshals the envelope into one frame.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := encoding.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s envelope: %w", e.Op, err)
	}
	return raw, nil
}

// Decode unmarshals one frame.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := encoding.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return &env, nil
}
