package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-io/strand/internal/codec"
)

func TestAppendRequestRoundTrip(t *testing.T) {
	req := &AppendRequest{
		StreamName:       "orders",
		ExpectedKind:     ExpectedRevision,
		ExpectedRevision: 7,
		Events: []ProposedEvent{
			{
				ID:          codec.ID{Most: 1, Least: 2},
				Class:       "order-placed",
				ContentType: codec.ContentTypeJSON,
				Data:        []byte(`{"a":1}`),
				Metadata:    []byte(`{"m":2}`),
			},
			{Class: "order-shipped"},
		},
	}

	var decoded AppendRequest
	require.NoError(t, decoded.unmarshal(req.marshal()))
	assert.Equal(t, req.StreamName, decoded.StreamName)
	assert.Equal(t, req.ExpectedKind, decoded.ExpectedKind)
	assert.Equal(t, req.ExpectedRevision, decoded.ExpectedRevision)
	require.Len(t, decoded.Events, 2)
	assert.Equal(t, req.Events[0].ID, decoded.Events[0].ID)
	assert.Equal(t, req.Events[0].Data, decoded.Events[0].Data)
	assert.Equal(t, "order-shipped", decoded.Events[1].Class)
}

func TestWriteResponseRoundTrip(t *testing.T) {
	resp := &WriteResponse{Position: 12345, NextRevision: 8}
	var decoded WriteResponse
	require.NoError(t, decoded.unmarshal(resp.marshal()))
	assert.Equal(t, *resp, decoded)
}

func TestReadResponseVariants(t *testing.T) {
	ev := &codec.RecordedEvent{
		ID:         codec.ID{Most: 5, Least: 6},
		Revision:   3,
		StreamName: "orders",
		Class:      "e",
		Created:    1000,
		Data:       []byte("d"),
		Metadata:   []byte("m"),
		Position:   4242,
	}

	var decoded ReadResponse
	require.NoError(t, decoded.unmarshal((&ReadResponse{Event: ev}).marshal()))
	require.NotNil(t, decoded.Event)
	assert.Equal(t, uint64(3), decoded.Event.Revision)
	assert.Equal(t, uint64(4242), decoded.Event.Position)
	assert.False(t, decoded.EndOfStream)

	decoded = ReadResponse{}
	require.NoError(t, decoded.unmarshal((&ReadResponse{EndOfStream: true}).marshal()))
	assert.Nil(t, decoded.Event)
	assert.True(t, decoded.EndOfStream)
}

func TestSubscribeResponseVariants(t *testing.T) {
	ev := &codec.RecordedEvent{
		Revision: 1, StreamName: "s", Class: "c", Created: 1,
		Data: []byte{}, Metadata: []byte{}, Position: 99,
	}

	cases := []*SubscribeResponse{
		{Kind: SubConfirmation},
		{Kind: SubEventAppeared, Event: ev},
		{Kind: SubCaughtUp},
		{Kind: SubNotification, Notification: "unsubscribed: consumer too slow"},
	}
	for _, c := range cases {
		var decoded SubscribeResponse
		require.NoError(t, decoded.unmarshal(c.marshal()))
		assert.Equal(t, c.Kind, decoded.Kind)
		if c.Event != nil {
			require.NotNil(t, decoded.Event)
			assert.Equal(t, c.Event.Position, decoded.Event.Position)
		}
		assert.Equal(t, c.Notification, decoded.Notification)
	}
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	_, err := Codec{}.Marshal(struct{}{})
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, struct{}{}))
}
