// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ipc implements the externally observable request/reply surface:
// a length-delimited framing over a Unix domain socket and the tagged
// request/reply/error envelopes spec §6 requires. Wire framing is, per
// spec §1, an external collaborator the core only needs a contract for;
// this package supplies a concrete one (4-byte big-endian length prefix +
// encoding/gob payload), tightening the newline-delimited framing of
// original_source/ipc/src/message.rs into proper length-delimited framing.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/rinit-org/rinit/internal/live"
	"github.com/rinit-org/rinit/internal/service"
	"github.com/valyala/bytebufferpool"
)

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func init() {
	gob.Register(Request{})
	gob.Register(Reply{})
}

// RequestKind tags which Request variant is populated.
type RequestKind int

const (
	ReqServicesStatus RequestKind = iota
	ReqServiceStatus
	ReqStartService
	ReqStopService
	ReqStartAllServices
	ReqStopAllServices
	ReqReloadGraph
	ReqUpdateServiceStatus // loopback from supervisors, never sent by external clients
)

// Request is the tagged envelope decoded off the wire (spec §4.E/§6).
type Request struct {
	Kind     RequestKind
	Name     string
	RunLevel service.RunLevel
	NewState live.StateKind // ReqUpdateServiceStatus only
}

// ReplyKind tags which Reply variant is populated.
type ReplyKind int

const (
	RepServicesStates ReplyKind = iota
	RepServiceState
	RepSuccess
	RepEmpty
)

// NamedState pairs a service name with its current state, used by
// ServicesStates replies.
type NamedState struct {
	Name  string
	State live.StateKind
}

// Reply is the tagged envelope sent back for exactly one Request (spec
// §6: "a request may be answered by exactly one reply").
type Reply struct {
	Kind    ReplyKind
	States  []NamedState // RepServicesStates
	Name    string       // RepServiceState
	State   live.StateKind
	Success bool // RepSuccess
}

// writeMessage frames and writes a gob-encoded value as
// [4-byte big-endian length][gob payload]. Encode buffers are pooled; the
// supervisor's status loopback produces a steady trickle of small messages.
func writeMessage(w io.Writer, v interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := gob.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed gob payload and decodes it into v.
func readMessage(r *bufio.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxMessageSize = 16 << 20
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	return gobDecode(buf, v)
}
