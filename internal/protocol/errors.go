// Package protocol implements the framed request/response runtime (§4.2,
// C2) that rides on top of internal/transport: handshake, object frames,
// uncertain-size stream frames, and the codec primitives generated
// message types build on. Grounded on original_source/lib/server/
// Protocol.h and Protocol.cpp, translated from the original's virtual
// ProtocolObject factory dispatch into a Go registry of tag -> decode
// function, and from its IOStream-based framing into io.Reader/io.Writer
// over an internal/transport.Conn.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package protocol

import "errors"

// Error kinds named by §4.2 and §7 (framing group).
var (
	ErrHandshakeFailed           = errors.New("protocol: handshake failed")
	ErrTimeout                   = errors.New("protocol: timeout")
	ErrObjectTooBig              = errors.New("protocol: object too big")
	ErrBadCommand                = errors.New("protocol: bad command")
	ErrStreamWhenObjectExpected  = errors.New("protocol: stream frame received, object frame expected")
	ErrObjectWhenStreamExpected  = errors.New("protocol: object frame received, stream frame expected")
	ErrUnknownCommand            = errors.New("protocol: unknown command tag")
	ErrUnexpectedReply           = errors.New("protocol: unexpected reply tag")
	ErrTimeoutSendingStream      = errors.New("protocol: timeout sending stream")
	ErrBadStreamHeader           = errors.New("protocol: bad stream header byte")
	ErrStreamNotFullyConsumed    = errors.New("protocol: previous stream frame not fully consumed")
)
