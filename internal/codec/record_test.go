package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/strand-io/strand/internal/serrors"
)

func sampleEvent() *RecordedEvent {
	return &RecordedEvent{
		ID:          ID{Most: 0xDEADBEEF, Least: 0xCAFEBABE},
		Revision:    42,
		StreamName:  "orders",
		Class:       "order-placed",
		Created:     1722902400000,
		Data:        []byte(`{"total":10}`),
		Metadata:    []byte(`{"user":"u1"}`),
		ContentType: ContentTypeJSON,
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := sampleEvent()
	decoded, err := DecodeEvent(EncodeEvent(ev))
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.Revision, decoded.Revision)
	assert.Equal(t, ev.StreamName, decoded.StreamName)
	assert.Equal(t, ev.Class, decoded.Class)
	assert.Equal(t, ev.Created, decoded.Created)
	assert.Equal(t, ev.Data, decoded.Data)
	assert.Equal(t, ev.Metadata, decoded.Metadata)
	assert.Equal(t, ev.ContentType, decoded.ContentType)
}

func TestEventRoundTripEmptyPayload(t *testing.T) {
	ev := sampleEvent()
	ev.Data = []byte{}
	ev.Metadata = []byte{}
	ev.ContentType = ContentTypeUnknown

	decoded, err := DecodeEvent(EncodeEvent(ev))
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
	assert.Empty(t, decoded.Metadata)
	assert.Equal(t, ContentTypeUnknown, decoded.ContentType)
}

func TestEventEncodingIsByteStable(t *testing.T) {
	ev := sampleEvent()
	assert.Equal(t, EncodeEvent(ev), EncodeEvent(ev))
}

func TestDecodeEventMissingRequiredField(t *testing.T) {
	// Only a revision field: everything else is missing
	var buf []byte
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 7)

	_, err := DecodeEvent(buf)
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(err))
}

func TestDecodeEventSkipsUnknownFields(t *testing.T) {
	buf := EncodeEvent(sampleEvent())
	buf = protowire.AppendTag(buf, 99, protowire.BytesType)
	buf = protowire.AppendString(buf, "future extension")

	decoded, err := DecodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, "orders", decoded.StreamName)
}

func TestDecodeEventTruncatedBuffer(t *testing.T) {
	buf := EncodeEvent(sampleEvent())
	_, err := DecodeEvent(buf[:len(buf)-3])
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(err))
}

func TestStreamDeletedRoundTrip(t *testing.T) {
	d := &StreamDeleted{StreamName: "orders", Revision: 3, Created: 1722902400123}
	decoded, err := DecodeStreamDeleted(EncodeStreamDeleted(d))
	require.NoError(t, err)
	assert.Equal(t, d.StreamName, decoded.StreamName)
	assert.Equal(t, d.Revision, decoded.Revision)
	assert.Equal(t, d.Created, decoded.Created)
}

func TestDecodeStreamDeletedMissingField(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, "orders")

	_, err := DecodeStreamDeleted(buf)
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(err))
}

func TestRecordEnvelopeRoundTrip(t *testing.T) {
	rec, err := DecodeRecord(EncodeRecord(sampleEvent()))
	require.NoError(t, err)
	ev, ok := rec.(*RecordedEvent)
	require.True(t, ok)
	assert.Equal(t, "orders", ev.StreamName)

	rec, err = DecodeRecord(EncodeRecord(&StreamDeleted{StreamName: "orders", Revision: 9, Created: 1}))
	require.NoError(t, err)
	del, ok := rec.(*StreamDeleted)
	require.True(t, ok)
	assert.Equal(t, uint64(9), del.Revision)
}

func TestRecordEnvelopeUnknownVariant(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, 9, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("junk"))

	_, err := DecodeRecord(buf)
	require.Error(t, err)
	assert.Equal(t, serrors.CodeCorruption, serrors.CodeOf(err))
}
