// Package protocol implements the framed, byte-stuffed event codec used on
// the link to the remote peer. A frame carries an event name and a binary
// payload between control markers; byte stuffing guarantees the markers
// never appear literally inside header, name, or payload, so the decoder
// can always resynchronize on a true frame boundary.
//
// Wire layout:
//
//	SOH | stuffed 7-byte header | STX | stuffed name | US | stuffed payload | EOT
//
// The header is senderId, receiverId, senderGroup, receiverGroup, flags and
// a 16-bit big-endian message id. The decoder does not interpret it; it
// skips to STX, so peers with longer or shorter headers still interoperate.
package protocol

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
)

// Reserved control byte values. Any of these occurring inside header, name
// or payload is replaced on the wire by Escape followed by the byte XORed
// with EscapeMask.
const (
	FrameStart byte = 0x01 // SOH
	BodyStart  byte = 0x02 // STX
	FieldSep   byte = 0x1F // US
	FrameEnd   byte = 0x04 // EOT
	Escape     byte = 0x1B // ESC

	EscapeMask byte = 0x20
)

// ErrNoSender is returned by Send when no send callback is configured.
var ErrNoSender = errors.New("protocol: no send callback registered")

// Handler receives the payload of a dispatched event.
type Handler func(payload []byte)

// UnhandledHandler receives events that have no specific registration.
type UnhandledHandler func(name string, payload []byte)

// SendFunc pushes one fully encoded frame to the transport.
type SendFunc func(frame []byte) error

// decoder states
type state int

const (
	stateIdle state = iota
	stateAwaitBodyStart
	stateReadName
	stateReadData
	stateEscape
)

// Header holds the identity bytes stamped into every encoded frame. The
// message id is managed by the codec itself.
type Header struct {
	SenderID      byte
	ReceiverID    byte
	SenderGroup   byte
	ReceiverGroup byte
	Flags         byte
}

// Codec encodes outbound events and decodes an inbound byte stream into
// dispatched events. It is an explicit context object: all decoder state,
// the handler registry and the message id counter live here.
//
// Decoding is single-writer: callers must serialize Feed / FeedByte /
// Reset. Handlers run synchronously on the feeding goroutine. Send and the
// handler registry are guarded, so On and Send may be called from other
// goroutines while the stream is being fed.
type Codec struct {
	header Header
	send   SendFunc
	logger *slog.Logger

	regMu     sync.Mutex
	handlers  map[string]Handler
	unhandled UnhandledHandler

	st     state
	name   bytes.Buffer
	data   bytes.Buffer
	inName bool // section the escape state returns to

	sendMu        sync.Mutex
	nextMessageID uint16
}

// New creates a Codec that stamps header into outbound frames and hands
// encoded frames to send. send may be nil for a receive-only codec.
func New(header Header, send SendFunc, logger *slog.Logger) *Codec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{
		header:   header,
		send:     send,
		logger:   logger,
		handlers: make(map[string]Handler),
		st:       stateIdle,
		inName:   true,
	}
}

// On registers handler for the exact event name, replacing any previous
// registration.
func (c *Codec) On(name string, handler Handler) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if handler == nil {
		delete(c.handlers, name)
		return
	}
	c.handlers[name] = handler
}

// OnUnhandled registers the handler invoked for events with no specific
// registration.
func (c *Codec) OnUnhandled(handler UnhandledHandler) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.unhandled = handler
}

func stuff(dst []byte, b byte) []byte {
	switch b {
	case FrameStart, BodyStart, FieldSep, FrameEnd, Escape:
		return append(dst, Escape, b^EscapeMask)
	default:
		return append(dst, b)
	}
}

// Encode builds one wire frame for the event. Each call consumes one
// message id; the counter wraps at 16 bits and exists for diagnostics only.
func (c *Codec) Encode(name string, payload []byte) []byte {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.encodeLocked(name, payload)
}

func (c *Codec) encodeLocked(name string, payload []byte) []byte {
	id := c.nextMessageID
	c.nextMessageID++

	// Worst case every byte stuffs to two.
	out := make([]byte, 0, 2*(7+len(name)+len(payload))+4)

	out = append(out, FrameStart)
	out = stuff(out, c.header.SenderID)
	out = stuff(out, c.header.ReceiverID)
	out = stuff(out, c.header.SenderGroup)
	out = stuff(out, c.header.ReceiverGroup)
	out = stuff(out, c.header.Flags)
	out = stuff(out, byte(id>>8))
	out = stuff(out, byte(id))

	out = append(out, BodyStart)
	for i := 0; i < len(name); i++ {
		out = stuff(out, name[i])
	}
	out = append(out, FieldSep)
	for _, b := range payload {
		out = stuff(out, b)
	}
	return append(out, FrameEnd)
}

// Send encodes the event and pushes it through the send callback. Concurrent
// Sends are serialized so frames never interleave on the transport.
func (c *Codec) Send(name string, payload []byte) error {
	if c.send == nil {
		return ErrNoSender
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	frame := c.encodeLocked(name, payload)
	if err := c.send(frame); err != nil {
		return err
	}
	framesSent.Inc()
	return nil
}

// Feed runs every byte of data through the decoder.
func (c *Codec) Feed(data []byte) {
	for _, b := range data {
		c.FeedByte(b)
	}
}

// FeedByte advances the decoder state machine by one byte. Malformed input
// never panics; the worst case is an extra restart cycle.
func (c *Codec) FeedByte(b byte) {
	switch c.st {
	case stateIdle:
		if b == FrameStart {
			c.st = stateAwaitBodyStart
		}

	case stateAwaitBodyStart:
		switch b {
		case BodyStart:
			c.restartBody()
		case FrameStart:
			// New frame before the body opened; stay and skip the new header.
		default:
			// Header byte, skipped by design.
		}

	case stateReadName:
		switch b {
		case Escape:
			c.st = stateEscape
		case FieldSep:
			c.inName = false
			c.st = stateReadData
		case FrameStart:
			c.abortFrame("name")
		case BodyStart:
			c.restartBody()
		default:
			c.name.WriteByte(b)
		}

	case stateReadData:
		switch b {
		case Escape:
			c.st = stateEscape
		case FrameEnd:
			c.dispatch()
			c.Reset()
		case FrameStart:
			c.abortFrame("data")
		case BodyStart:
			c.restartBody()
		default:
			c.data.WriteByte(b)
		}

	case stateEscape:
		unmasked := b ^ EscapeMask
		if c.inName {
			c.name.WriteByte(unmasked)
			c.st = stateReadName
		} else {
			c.data.WriteByte(unmasked)
			c.st = stateReadData
		}
	}
}

// Reset returns the decoder to idle, dropping any partial frame. Idempotent
// and safe in every state.
func (c *Codec) Reset() {
	c.st = stateIdle
	c.name.Reset()
	c.data.Reset()
	c.inName = true
}

// restartBody clears the section buffers and begins name capture. Used both
// for a legitimate STX after the header and for a stray STX seen mid-body,
// which means the header was a different length than the sender expected.
func (c *Codec) restartBody() {
	c.name.Reset()
	c.data.Reset()
	c.inName = true
	c.st = stateReadName
}

// abortFrame handles SOH arriving mid-frame: the current frame is lost and
// a new one begins.
func (c *Codec) abortFrame(section string) {
	framesAborted.Inc()
	c.logger.Debug("frame aborted by new frame start", "section", section)
	c.name.Reset()
	c.data.Reset()
	c.inName = true
	c.st = stateAwaitBodyStart
}

func (c *Codec) dispatch() {
	name := c.name.String()
	payload := make([]byte, c.data.Len())
	copy(payload, c.data.Bytes())

	c.regMu.Lock()
	h, ok := c.handlers[name]
	unhandled := c.unhandled
	c.regMu.Unlock()

	if ok {
		framesDispatched.Inc()
		h(payload)
		return
	}
	if unhandled != nil {
		eventsUnhandled.Inc()
		unhandled(name, payload)
		return
	}
	eventsUnhandled.Inc()
	c.logger.Debug("dropping event with no handler", "event", name, "payload_len", len(payload))
}
