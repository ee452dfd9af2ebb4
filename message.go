package dbus

import (
	"bytes"
	"encoding/binary"
)

// SerialSource supplies the next outbound message serial, implemented by
// *Connection. Builders use it so outbound messages never need to know
// which connection they'll be sent on until Build is called.
type SerialSource interface {
	NextSerial() uint32
}

// OutboundMessage is a message under construction for sending. It is a
// distinct type from InboundMessage so a caller can never accidentally feed
// a message it received back onto the wire as if it had built it itself.
type OutboundMessage struct {
	Header Header
	Body   []Value
}

// InboundMessage is a message decoded off the wire.
type InboundMessage struct {
	Header Header
	Body   []Value
}

// IsMethodCall, IsMethodReturn, IsError, IsSignal classify an inbound message.
func (m *InboundMessage) IsMethodCall() bool   { return m.Header.Type == TypeMethodCall }
func (m *InboundMessage) IsMethodReturn() bool { return m.Header.Type == TypeMethodReturn }
func (m *InboundMessage) IsError() bool        { return m.Header.Type == TypeError }
func (m *InboundMessage) IsSignal() bool       { return m.Header.Type == TypeSignal }

// BusError converts an Error-typed inbound message into a *BusError,
// reporting ok=false for any other message type.
func (m *InboundMessage) BusError() (*BusError, bool) {
	if !m.IsError() {
		return nil, false
	}
	name, _ := m.Header.ErrorName()
	replySerial, _ := m.Header.ReplySerial()
	msg := ""
	if len(m.Body) > 0 {
		if s, ok := m.Body[0].(String); ok {
			msg = string(s)
		}
	}
	return &BusError{Name: name, Message: msg, ReplySerial: replySerial}, true
}

// methodCallBuilder builds an outbound MethodCall message.
type methodCallBuilder struct {
	path, iface, member, dest string
	flags                     Flags
	body                      []Value
	serial                    uint32
}

// NewMethodCall starts building a MethodCall to member at path, the two
// header fields §3 requires for this message type.
func NewMethodCall(path ObjectPath, member string) *methodCallBuilder {
	return &methodCallBuilder{path: string(path), member: member}
}

func (b *methodCallBuilder) Interface(iface string) *methodCallBuilder { b.iface = iface; return b }
func (b *methodCallBuilder) Destination(dest string) *methodCallBuilder {
	b.dest = dest
	return b
}
func (b *methodCallBuilder) Flags(f Flags) *methodCallBuilder   { b.flags = f; return b }
func (b *methodCallBuilder) Body(v ...Value) *methodCallBuilder { b.body = v; return b }
func (b *methodCallBuilder) Serial(s uint32) *methodCallBuilder { b.serial = s; return b }

// Build assembles the OutboundMessage, drawing a serial from src unless one
// was set explicitly via Serial.
func (b *methodCallBuilder) Build(src SerialSource) (*OutboundMessage, error) {
	h := Header{
		ByteOrder: littleEndianMark,
		Type:      TypeMethodCall,
		Flags:     b.flags,
		Protocol:  1,
		Serial:    b.serial,
	}
	if h.Serial == 0 {
		h.Serial = src.NextSerial()
	}
	h.Fields = append(h.Fields, HeaderField{Code: FieldPath, Value: ObjectPath(b.path)})
	h.Fields = append(h.Fields, HeaderField{Code: FieldMember, Value: String(b.member)})
	if b.iface != "" {
		h.Fields = append(h.Fields, HeaderField{Code: FieldInterface, Value: String(b.iface)})
	}
	if b.dest != "" {
		h.Fields = append(h.Fields, HeaderField{Code: FieldDestination, Value: String(b.dest)})
	}
	if len(b.body) > 0 {
		sig := bodySignature(b.body)
		h.Fields = append(h.Fields, HeaderField{Code: FieldSignature, Value: SignatureValue{Sig: sig}})
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &OutboundMessage{Header: h, Body: b.body}, nil
}

// signalBuilder builds an outbound Signal message.
type signalBuilder struct {
	path, iface, member string
	dest                string
	body                []Value
	serial              uint32
}

// NewSignal starts building a Signal, the three header fields §3 requires.
func NewSignal(path ObjectPath, iface, member string) *signalBuilder {
	return &signalBuilder{path: string(path), iface: iface, member: member}
}

func (b *signalBuilder) Destination(dest string) *signalBuilder { b.dest = dest; return b }
func (b *signalBuilder) Body(v ...Value) *signalBuilder         { b.body = v; return b }
func (b *signalBuilder) Serial(s uint32) *signalBuilder         { b.serial = s; return b }

func (b *signalBuilder) Build(src SerialSource) (*OutboundMessage, error) {
	h := Header{ByteOrder: littleEndianMark, Type: TypeSignal, Protocol: 1, Serial: b.serial}
	if h.Serial == 0 {
		h.Serial = src.NextSerial()
	}
	h.Fields = append(h.Fields,
		HeaderField{Code: FieldPath, Value: ObjectPath(b.path)},
		HeaderField{Code: FieldInterface, Value: String(b.iface)},
		HeaderField{Code: FieldMember, Value: String(b.member)},
	)
	if b.dest != "" {
		h.Fields = append(h.Fields, HeaderField{Code: FieldDestination, Value: String(b.dest)})
	}
	if len(b.body) > 0 {
		h.Fields = append(h.Fields, HeaderField{Code: FieldSignature, Value: SignatureValue{Sig: bodySignature(b.body)}})
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &OutboundMessage{Header: h, Body: b.body}, nil
}

// methodReturnBuilder builds an outbound MethodReturn message.
type methodReturnBuilder struct {
	replySerial uint32
	dest        string
	body        []Value
	serial      uint32
}

// NewMethodReturn starts building a MethodReturn for replySerial, the
// header field §3 requires.
func NewMethodReturn(replySerial uint32) *methodReturnBuilder {
	return &methodReturnBuilder{replySerial: replySerial}
}

func (b *methodReturnBuilder) Destination(dest string) *methodReturnBuilder {
	b.dest = dest
	return b
}
func (b *methodReturnBuilder) Body(v ...Value) *methodReturnBuilder { b.body = v; return b }
func (b *methodReturnBuilder) Serial(s uint32) *methodReturnBuilder { b.serial = s; return b }

func (b *methodReturnBuilder) Build(src SerialSource) (*OutboundMessage, error) {
	h := Header{ByteOrder: littleEndianMark, Type: TypeMethodReturn, Protocol: 1, Serial: b.serial}
	if h.Serial == 0 {
		h.Serial = src.NextSerial()
	}
	h.Fields = append(h.Fields, HeaderField{Code: FieldReplySerial, Value: Uint32(b.replySerial)})
	if b.dest != "" {
		h.Fields = append(h.Fields, HeaderField{Code: FieldDestination, Value: String(b.dest)})
	}
	if len(b.body) > 0 {
		h.Fields = append(h.Fields, HeaderField{Code: FieldSignature, Value: SignatureValue{Sig: bodySignature(b.body)}})
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &OutboundMessage{Header: h, Body: b.body}, nil
}

// errorBuilder builds an outbound Error message.
type errorBuilder struct {
	replySerial uint32
	name        string
	dest        string
	body        []Value
	serial      uint32
}

// NewError starts building an Error reply to replySerial named name, the
// two header fields §3 requires.
func NewError(replySerial uint32, name string) *errorBuilder {
	return &errorBuilder{replySerial: replySerial, name: name}
}

func (b *errorBuilder) Destination(dest string) *errorBuilder { b.dest = dest; return b }
func (b *errorBuilder) Body(v ...Value) *errorBuilder         { b.body = v; return b }
func (b *errorBuilder) Serial(s uint32) *errorBuilder         { b.serial = s; return b }

func (b *errorBuilder) Build(src SerialSource) (*OutboundMessage, error) {
	h := Header{ByteOrder: littleEndianMark, Type: TypeError, Protocol: 1, Serial: b.serial}
	if h.Serial == 0 {
		h.Serial = src.NextSerial()
	}
	h.Fields = append(h.Fields,
		HeaderField{Code: FieldReplySerial, Value: Uint32(b.replySerial)},
		HeaderField{Code: FieldErrorName, Value: String(b.name)},
	)
	if b.dest != "" {
		h.Fields = append(h.Fields, HeaderField{Code: FieldDestination, Value: String(b.dest)})
	}
	if len(b.body) > 0 {
		h.Fields = append(h.Fields, HeaderField{Code: FieldSignature, Value: SignatureValue{Sig: bodySignature(b.body)}})
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &OutboundMessage{Header: h, Body: b.body}, nil
}

func bodySignature(body []Value) Signature {
	sigs := make([]Signature, len(body))
	for i, v := range body {
		sigs[i] = v.Signature()
	}
	return joinSignatures(sigs...)
}

// marshalBody encodes body to wire bytes in order.
func marshalBody(order binary.ByteOrder, body []Value) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf, order)
	for _, v := range body {
		if err := enc.Value(v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// unmarshalBody decodes raw body bytes according to sig's top-level children.
func unmarshalBody(order binary.ByteOrder, sig Signature, raw []byte) ([]Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := NewDecoder(bytes.NewReader(raw), order)
	var out []Value
	for _, child := range sig.Children() {
		v, _, err := dec.Decode(child)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
