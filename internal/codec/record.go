package codec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/strand-io/strand/internal/serrors"
)

// The durable record schema. Records are encoded with the protobuf wire
// format (tag-length-value, little-endian varints) so the on-disk layout
// stays tag-compatible with the external RPC surface. Every required
// field is always emitted, even when zero-valued, and presence is checked
// on decode; unknown tags are skipped so the format can grow.

// ContentType describes how an event payload should be interpreted
type ContentType int32

const (
	ContentTypeUnknown ContentType = 0
	ContentTypeJSON    ContentType = 1
	ContentTypeBinary  ContentType = 2
)

// ID is a 128-bit event identifier split into two 64-bit halves
type ID struct {
	Most  uint64
	Least uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%016x%016x", id.Most, id.Least)
}

// RecordedEvent is a durable event record.
// Position is assigned by the chunk log at commit and is not part of the
// serialized form; readers recover it from the location they read from.
type RecordedEvent struct {
	ID          ID
	Revision    uint64
	StreamName  string
	Class       string
	Created     int64
	Data        []byte
	Metadata    []byte
	ContentType ContentType
	Position    uint64
}

// StreamDeleted is the tombstone record variant terminating a stream
type StreamDeleted struct {
	StreamName string
	Revision   uint64
	Created    int64
	Position   uint64
}

// Record is one decoded log record variant
type Record interface {
	isRecord()
}

func (*RecordedEvent) isRecord() {}
func (*StreamDeleted) isRecord() {}

// Event field tags
const (
	eventTagID         = 1
	eventTagRevision   = 2
	eventTagStreamName = 3
	eventTagClass      = 4
	eventTagCreated    = 5
	eventTagData       = 6
	eventTagMetadata   = 7
	// content_type is a later addition; old decoders skip it
	eventTagContentType = 8
)

// Id sub-message tags
const (
	idTagMost  = 1
	idTagLeast = 2
)

// StreamDeleted field tags
const (
	deletedTagStreamName = 1
	deletedTagRevision   = 2
	deletedTagCreated    = 3
)

// Envelope variant tags
const (
	envelopeTagEvent   = 2
	envelopeTagDeleted = 3
)

// AppendEvent appends the serialized event to buf
func AppendEvent(buf []byte, e *RecordedEvent) []byte {
	var id []byte
	id = protowire.AppendTag(id, idTagMost, protowire.VarintType)
	id = protowire.AppendVarint(id, e.ID.Most)
	id = protowire.AppendTag(id, idTagLeast, protowire.VarintType)
	id = protowire.AppendVarint(id, e.ID.Least)

	buf = protowire.AppendTag(buf, eventTagID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, id)
	buf = protowire.AppendTag(buf, eventTagRevision, protowire.VarintType)
	buf = protowire.AppendVarint(buf, e.Revision)
	buf = protowire.AppendTag(buf, eventTagStreamName, protowire.BytesType)
	buf = protowire.AppendString(buf, e.StreamName)
	buf = protowire.AppendTag(buf, eventTagClass, protowire.BytesType)
	buf = protowire.AppendString(buf, e.Class)
	buf = protowire.AppendTag(buf, eventTagCreated, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.Created))
	buf = protowire.AppendTag(buf, eventTagData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Data)
	buf = protowire.AppendTag(buf, eventTagMetadata, protowire.BytesType)
	buf = protowire.AppendBytes(buf, e.Metadata)
	if e.ContentType != ContentTypeUnknown {
		buf = protowire.AppendTag(buf, eventTagContentType, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(e.ContentType))
	}
	return buf
}

// EncodeEvent serializes the event into a fresh buffer
func EncodeEvent(e *RecordedEvent) []byte {
	return AppendEvent(nil, e)
}

// DecodeEvent deserializes an event, failing with Corruption when a
// required field is missing or the buffer is malformed
func DecodeEvent(data []byte) (*RecordedEvent, error) {
	var e RecordedEvent
	var seen uint32

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, serrors.Corruption("event record: malformed tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case eventTagID:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed id", protowire.ParseError(n))
			}
			id, err := decodeID(raw)
			if err != nil {
				return nil, err
			}
			e.ID = id
			data = data[n:]
		case eventTagRevision:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed revision", protowire.ParseError(n))
			}
			e.Revision = v
			data = data[n:]
		case eventTagStreamName:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed stream name", protowire.ParseError(n))
			}
			e.StreamName = v
			data = data[n:]
		case eventTagClass:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed class", protowire.ParseError(n))
			}
			e.Class = v
			data = data[n:]
		case eventTagCreated:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed created", protowire.ParseError(n))
			}
			e.Created = int64(v)
			data = data[n:]
		case eventTagData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed data", protowire.ParseError(n))
			}
			e.Data = append([]byte(nil), v...)
			data = data[n:]
		case eventTagMetadata:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed metadata", protowire.ParseError(n))
			}
			e.Metadata = append([]byte(nil), v...)
			data = data[n:]
		case eventTagContentType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, serrors.Corruption("event record: malformed content type", protowire.ParseError(n))
			}
			e.ContentType = ContentType(v)
			data = data[n:]
			continue
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, serrors.Corruption(
					fmt.Sprintf("event record: malformed unknown field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		if num >= eventTagID && num <= eventTagMetadata {
			seen |= 1 << uint(num)
		}
	}

	const required = 1<<eventTagID | 1<<eventTagRevision | 1<<eventTagStreamName |
		1<<eventTagClass | 1<<eventTagCreated | 1<<eventTagData | 1<<eventTagMetadata
	if seen&required != required {
		return nil, serrors.Corruption("event record: missing required field", nil)
	}
	return &e, nil
}

func decodeID(data []byte) (ID, error) {
	var id ID
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return id, serrors.Corruption("event id: malformed tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case idTagMost, idTagLeast:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return id, serrors.Corruption("event id: malformed half", protowire.ParseError(n))
			}
			if num == idTagMost {
				id.Most = v
			} else {
				id.Least = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return id, serrors.Corruption("event id: malformed field", protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return id, nil
}

// AppendStreamDeleted appends the serialized tombstone to buf
func AppendStreamDeleted(buf []byte, d *StreamDeleted) []byte {
	buf = protowire.AppendTag(buf, deletedTagStreamName, protowire.BytesType)
	buf = protowire.AppendString(buf, d.StreamName)
	buf = protowire.AppendTag(buf, deletedTagRevision, protowire.VarintType)
	buf = protowire.AppendVarint(buf, d.Revision)
	buf = protowire.AppendTag(buf, deletedTagCreated, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.Created))
	return buf
}

// EncodeStreamDeleted serializes the tombstone into a fresh buffer
func EncodeStreamDeleted(d *StreamDeleted) []byte {
	return AppendStreamDeleted(nil, d)
}

// DecodeStreamDeleted deserializes a tombstone record
func DecodeStreamDeleted(data []byte) (*StreamDeleted, error) {
	var d StreamDeleted
	var seen uint32

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, serrors.Corruption("tombstone record: malformed tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case deletedTagStreamName:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, serrors.Corruption("tombstone record: malformed stream name", protowire.ParseError(n))
			}
			d.StreamName = v
			data = data[n:]
		case deletedTagRevision:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, serrors.Corruption("tombstone record: malformed revision", protowire.ParseError(n))
			}
			d.Revision = v
			data = data[n:]
		case deletedTagCreated:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, serrors.Corruption("tombstone record: malformed created", protowire.ParseError(n))
			}
			d.Created = int64(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, serrors.Corruption(
					fmt.Sprintf("tombstone record: malformed unknown field %d", num), protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		seen |= 1 << uint(num)
	}

	const required = 1<<deletedTagStreamName | 1<<deletedTagRevision | 1<<deletedTagCreated
	if seen&required != required {
		return nil, serrors.Corruption("tombstone record: missing required field", nil)
	}
	return &d, nil
}

// EncodeRecord wraps a record variant in the Events envelope
func EncodeRecord(rec Record) []byte {
	var buf []byte
	switch r := rec.(type) {
	case *RecordedEvent:
		buf = protowire.AppendTag(buf, envelopeTagEvent, protowire.BytesType)
		buf = protowire.AppendBytes(buf, EncodeEvent(r))
	case *StreamDeleted:
		buf = protowire.AppendTag(buf, envelopeTagDeleted, protowire.BytesType)
		buf = protowire.AppendBytes(buf, EncodeStreamDeleted(r))
	}
	return buf
}

// DecodeRecord unwraps the Events envelope and decodes the inner variant
func DecodeRecord(data []byte) (Record, error) {
	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || typ != protowire.BytesType {
		return nil, serrors.Corruption("record envelope: malformed tag", nil)
	}
	data = data[n:]

	inner, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, serrors.Corruption("record envelope: malformed body", protowire.ParseError(n))
	}
	if rest := data[n:]; len(rest) != 0 {
		return nil, serrors.Corruption("record envelope: trailing bytes", nil)
	}

	switch num {
	case envelopeTagEvent:
		return DecodeEvent(inner)
	case envelopeTagDeleted:
		return DecodeStreamDeleted(inner)
	default:
		return nil, serrors.Corruption(fmt.Sprintf("record envelope: unknown variant %d", num), nil)
	}
}
