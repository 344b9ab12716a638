// Package rpc implements the call-id-indexed RPC codec shared by clients
// and servers: encoding a call as a tag byte plus typed arguments, and
// dispatching a decoded call id to a registered handler.
package rpc

import (
	"errors"
	"fmt"

	"github.com/catid/sphynx/stream"
)

// ErrUnregistered is returned by Router.Dispatch when a call id has no
// registered handler. Callers treat this as a protocol violation: the
// frame is discarded and the peer is disconnected.
var ErrUnregistered = errors.New("rpc: unregistered call id")

// Field serializes or deserializes one argument of a call against s; it
// runs in whichever mode s was wrapped in. A call site builds its argument
// list out of Field closures over stream.Stream's typed methods, which
// doubles as the single generic encode path for every arity: there is no
// per-arity specialization here, unlike a hand-expanded arity 0..5 table.
type Field func(s *stream.Stream)

// U8Field, StringField, etc. return a Field bound to v.
func U8Field(v *uint8) Field   { return func(s *stream.Stream) { s.U8(v) } }
func I8Field(v *int8) Field    { return func(s *stream.Stream) { s.I8(v) } }
func U16Field(v *uint16) Field { return func(s *stream.Stream) { s.U16(v) } }
func I16Field(v *int16) Field  { return func(s *stream.Stream) { s.I16(v) } }
func U32Field(v *uint32) Field { return func(s *stream.Stream) { s.U32(v) } }
func I32Field(v *int32) Field  { return func(s *stream.Stream) { s.I32(v) } }
func U64Field(v *uint64) Field { return func(s *stream.Stream) { s.U64(v) } }
func I64Field(v *int64) Field  { return func(s *stream.Stream) { s.I64(v) } }
func F32Field(v *float32) Field { return func(s *stream.Stream) { s.F32(v) } }
func F64Field(v *float64) Field { return func(s *stream.Stream) { s.F64(v) } }
func BoolField(v *bool) Field  { return func(s *stream.Stream) { s.Bool(v) } }
func StringField(v *string) Field { return func(s *stream.Stream) { s.String(v) } }
func ByteArrayField(v *[]byte) Field { return func(s *stream.Stream) { s.ByteArray(v) } }

// EncodeCall writes callId followed by each field, in order, into dst.
func EncodeCall(dst *stream.Stream, callID uint8, fields ...Field) {
	id := callID
	dst.U8(&id)
	for _, f := range fields {
		if !dst.Good() {
			return
		}
		f(dst)
	}
}

// Handler decodes its own arguments from s and acts on them. It returns an
// error if decoding failed (s.Good() became false) or the call itself
// failed; either causes the caller to treat the record as a protocol
// violation.
type Handler func(s *stream.Stream) error

// Router is a fixed 256-slot dispatch table keyed by call id, used for both
// the application-facing router and the server's pre-connection handshake
// router (which only ever registers one id).
type Router struct {
	table [256]Handler
}

// Register installs h as the handler for id, replacing any previous
// registration.
func (r *Router) Register(id uint8, h Handler) {
	r.table[id] = h
}

// Unregister clears id's slot.
func (r *Router) Unregister(id uint8) {
	r.table[id] = nil
}

// DispatchOne reads one call id from s and invokes its handler. It returns
// false when s had nothing left to read (not an error: the frame is
// exhausted). An unregistered call id or a handler error is returned
// without consuming further bytes; the caller is responsible for
// disconnecting the peer, per protocol-violation policy.
func (r *Router) DispatchOne(s *stream.Stream) (bool, error) {
	if s.Remaining() <= 0 {
		return false, nil
	}

	var id uint8
	s.U8(&id)
	if !s.Good() {
		return false, nil
	}

	h := r.table[id]
	if h == nil {
		return false, fmt.Errorf("%w: %d", ErrUnregistered, id)
	}

	if err := h(s); err != nil {
		return false, err
	}
	if !s.Good() {
		return false, fmt.Errorf("rpc: truncated arguments for call id %d", id)
	}
	return true, nil
}

// RouteData loops DispatchOne over s until it returns false or an error,
// reporting whether at least one call was dispatched successfully. This is
// the routeData loop a Peer transport runs over each decoded frame or
// datagram.
func (r *Router) RouteData(s *stream.Stream) (dispatchedAny bool, err error) {
	for {
		ok, err := r.DispatchOne(s)
		if err != nil {
			return dispatchedAny, err
		}
		if !ok {
			return dispatchedAny, nil
		}
		dispatchedAny = true
	}
}
