package server

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/strand-io/strand/internal/codec"
)

// The RPC surface reuses the storage engine's tag-length-value encoder:
// request and response messages are hand-rolled protowire structs moved
// through gRPC with a custom codec. One encoder discipline covers both
// the durable records and the wire.

// CodecName is the gRPC codec name for strand messages
const CodecName = "strand"

// wireMessage is implemented by every RPC message
type wireMessage interface {
	marshal() []byte
	unmarshal(data []byte) error
}

// Codec moves wireMessage values through gRPC
type Codec struct{}

// Marshal implements grpc encoding.Codec
func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T: not a strand wire message", v)
	}
	return m.marshal(), nil
}

// Unmarshal implements grpc encoding.Codec
func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T: not a strand wire message", v)
	}
	return m.unmarshal(data)
}

// Name implements grpc encoding.Codec
func (Codec) Name() string { return CodecName }

// field iteration helper shared by all messages

type fieldWalker struct {
	data []byte
	err  error
	num  protowire.Number
	typ  protowire.Type
}

func (w *fieldWalker) next() bool {
	if w.err != nil || len(w.data) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(w.data)
	if n < 0 {
		w.err = fmt.Errorf("malformed tag: %v", protowire.ParseError(n))
		return false
	}
	w.data = w.data[n:]
	w.num, w.typ = num, typ
	return true
}

func (w *fieldWalker) varint() uint64 {
	v, n := protowire.ConsumeVarint(w.data)
	if n < 0 {
		w.err = fmt.Errorf("malformed varint field %d", w.num)
		return 0
	}
	w.data = w.data[n:]
	return v
}

func (w *fieldWalker) bytes() []byte {
	v, n := protowire.ConsumeBytes(w.data)
	if n < 0 {
		w.err = fmt.Errorf("malformed bytes field %d", w.num)
		return nil
	}
	w.data = w.data[n:]
	return append([]byte(nil), v...)
}

func (w *fieldWalker) skip() {
	n := protowire.ConsumeFieldValue(w.num, w.typ, w.data)
	if n < 0 {
		w.err = fmt.Errorf("malformed field %d", w.num)
		return
	}
	w.data = w.data[n:]
}

// ProposedEvent is an event offered on the append wire
type ProposedEvent struct {
	ID          codec.ID
	Class       string
	ContentType codec.ContentType
	Data        []byte
	Metadata    []byte
}

func (p *ProposedEvent) encode() []byte {
	var id []byte
	id = protowire.AppendTag(id, 1, protowire.VarintType)
	id = protowire.AppendVarint(id, p.ID.Most)
	id = protowire.AppendTag(id, 2, protowire.VarintType)
	id = protowire.AppendVarint(id, p.ID.Least)

	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, id)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Class)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.ContentType))
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Data)
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Metadata)
	return buf
}

func (p *ProposedEvent) decode(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			raw := w.bytes()
			iw := &fieldWalker{data: raw}
			for iw.next() {
				switch iw.num {
				case 1:
					p.ID.Most = iw.varint()
				case 2:
					p.ID.Least = iw.varint()
				default:
					iw.skip()
				}
			}
			if iw.err != nil {
				return iw.err
			}
		case 2:
			p.Class = string(w.bytes())
		case 3:
			p.ContentType = codec.ContentType(w.varint())
		case 4:
			p.Data = w.bytes()
		case 5:
			p.Metadata = w.bytes()
		default:
			w.skip()
		}
	}
	return w.err
}

// ExpectedKind mirrors the catalog precondition kinds on the wire
type ExpectedKind uint64

const (
	ExpectedAny ExpectedKind = iota
	ExpectedNoStream
	ExpectedStreamExists
	ExpectedRevision
)

// AppendRequest asks to append a batch of events
type AppendRequest struct {
	StreamName       string
	ExpectedKind     ExpectedKind
	ExpectedRevision uint64
	Events           []ProposedEvent
}

func (r *AppendRequest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, r.StreamName)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ExpectedKind))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.ExpectedRevision)
	for i := range r.Events {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Events[i].encode())
	}
	return buf
}

func (r *AppendRequest) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			r.StreamName = string(w.bytes())
		case 2:
			r.ExpectedKind = ExpectedKind(w.varint())
		case 3:
			r.ExpectedRevision = w.varint()
		case 4:
			var ev ProposedEvent
			if err := ev.decode(w.bytes()); err != nil {
				return err
			}
			r.Events = append(r.Events, ev)
		default:
			w.skip()
		}
	}
	return w.err
}

// WriteResponse reports a committed append or delete
type WriteResponse struct {
	Position     uint64
	NextRevision uint64
}

func (r *WriteResponse) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Position)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.NextRevision)
	return buf
}

func (r *WriteResponse) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			r.Position = w.varint()
		case 2:
			r.NextRevision = w.varint()
		default:
			w.skip()
		}
	}
	return w.err
}

// DeleteRequest asks to tombstone a stream
type DeleteRequest struct {
	StreamName       string
	ExpectedKind     ExpectedKind
	ExpectedRevision uint64
}

func (r *DeleteRequest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, r.StreamName)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.ExpectedKind))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.ExpectedRevision)
	return buf
}

func (r *DeleteRequest) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			r.StreamName = string(w.bytes())
		case 2:
			r.ExpectedKind = ExpectedKind(w.varint())
		case 3:
			r.ExpectedRevision = w.varint()
		default:
			w.skip()
		}
	}
	return w.err
}

// ReadDirection selects the wire read order
type ReadDirection uint64

const (
	ReadForwards ReadDirection = iota
	ReadBackwards
)

// StartKind anchors a wire read or subscription
type StartKind uint64

const (
	StartBeginning StartKind = iota
	StartEnd
	StartRevision
)

// ReadRequest asks for a bounded range of a stream
type ReadRequest struct {
	StreamName    string
	Direction     ReadDirection
	StartKind     StartKind
	StartRevision uint64
	MaxCount      uint64
}

func (r *ReadRequest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, r.StreamName)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Direction))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.StartKind))
	buf = protowire.AppendTag(buf, 4, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.StartRevision)
	buf = protowire.AppendTag(buf, 5, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.MaxCount)
	return buf
}

func (r *ReadRequest) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			r.StreamName = string(w.bytes())
		case 2:
			r.Direction = ReadDirection(w.varint())
		case 3:
			r.StartKind = StartKind(w.varint())
		case 4:
			r.StartRevision = w.varint()
		case 5:
			r.MaxCount = w.varint()
		default:
			w.skip()
		}
	}
	return w.err
}

// ReadResponse is one item of a read stream: an event or the terminal
// end-of-stream marker
type ReadResponse struct {
	Event       *codec.RecordedEvent
	EndOfStream bool
}

func (r *ReadResponse) marshal() []byte {
	var buf []byte
	if r.Event != nil {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendEventWithPosition(r.Event))
		return buf
	}
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 1)
	return buf
}

func (r *ReadResponse) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			ev, pos, err := decodeEventWithPosition(w.bytes())
			if err != nil {
				return err
			}
			ev.Position = pos
			r.Event = ev
		case 2:
			r.EndOfStream = w.varint() != 0
		default:
			w.skip()
		}
	}
	return w.err
}

// Recorded events on the wire carry their commit position alongside the
// durable record bytes
func appendEventWithPosition(ev *codec.RecordedEvent) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, codec.EncodeEvent(ev))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, ev.Position)
	return buf
}

func decodeEventWithPosition(data []byte) (*codec.RecordedEvent, uint64, error) {
	w := &fieldWalker{data: data}
	var ev *codec.RecordedEvent
	var pos uint64
	for w.next() {
		switch w.num {
		case 1:
			decoded, err := codec.DecodeEvent(w.bytes())
			if err != nil {
				return nil, 0, err
			}
			ev = decoded
		case 2:
			pos = w.varint()
		default:
			w.skip()
		}
	}
	if w.err != nil {
		return nil, 0, w.err
	}
	if ev == nil {
		return nil, 0, fmt.Errorf("recorded event envelope missing record")
	}
	return ev, pos, nil
}

// SubscribeRequest opens a stream subscription
type SubscribeRequest struct {
	StreamName    string
	StartKind     StartKind
	StartRevision uint64
}

func (r *SubscribeRequest) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, r.StreamName)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.StartKind))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.StartRevision)
	return buf
}

func (r *SubscribeRequest) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			r.StreamName = string(w.bytes())
		case 2:
			r.StartKind = StartKind(w.varint())
		case 3:
			r.StartRevision = w.varint()
		default:
			w.skip()
		}
	}
	return w.err
}

// SubscriptionKind enumerates subscription wire message variants
type SubscriptionKind int

const (
	SubConfirmation SubscriptionKind = iota
	SubEventAppeared
	SubCaughtUp
	SubNotification
)

// SubscribeResponse is one item of a subscription stream
type SubscribeResponse struct {
	Kind         SubscriptionKind
	Event        *codec.RecordedEvent
	Notification string
}

func (r *SubscribeResponse) marshal() []byte {
	var buf []byte
	switch r.Kind {
	case SubConfirmation:
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	case SubEventAppeared:
		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, appendEventWithPosition(r.Event))
	case SubCaughtUp:
		buf = protowire.AppendTag(buf, 3, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	case SubNotification:
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendString(buf, r.Notification)
	}
	return buf
}

func (r *SubscribeResponse) unmarshal(data []byte) error {
	w := &fieldWalker{data: data}
	for w.next() {
		switch w.num {
		case 1:
			w.varint()
			r.Kind = SubConfirmation
		case 2:
			ev, pos, err := decodeEventWithPosition(w.bytes())
			if err != nil {
				return err
			}
			ev.Position = pos
			r.Kind = SubEventAppeared
			r.Event = ev
		case 3:
			w.varint()
			r.Kind = SubCaughtUp
		case 4:
			r.Kind = SubNotification
			r.Notification = string(w.bytes())
		default:
			w.skip()
		}
	}
	return w.err
}
