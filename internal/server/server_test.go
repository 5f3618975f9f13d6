package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/strand-io/strand/internal/client"
	"github.com/strand-io/strand/internal/codec"
	"github.com/strand-io/strand/internal/engine"
	"github.com/strand-io/strand/internal/server"
)

func startTestServer(t *testing.T) *client.Client {
	t.Helper()

	eng, err := engine.Open(engine.Config{DataDir: t.TempDir()}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	srv := server.New(server.Config{}, eng, zap.NewNop())
	lis := bufconn.Listen(1 << 20)
	go srv.ServeOn(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(server.Codec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return client.NewWithConn(conn, zap.NewNop())
}

func wireEvents(n int) []server.ProposedEvent {
	events := make([]server.ProposedEvent, n)
	for i := range events {
		events[i] = server.ProposedEvent{
			ID:          codec.ID{Most: uint64(i), Least: 99},
			Class:       "order-placed",
			ContentType: codec.ContentTypeJSON,
			Data:        []byte(`{"ok":true}`),
			Metadata:    []byte(`{}`),
		}
	}
	return events
}

func TestAppendAndReadOverGRPC(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	resp, err := c.Append(ctx, &server.AppendRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedNoStream,
		Events:       wireEvents(2),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.NextRevision)

	events, err := c.Read(ctx, &server.ReadRequest{
		StreamName: "orders",
		Direction:  server.ReadForwards,
		StartKind:  server.StartBeginning,
		MaxCount:   10,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(0), events[0].Revision)
	assert.Equal(t, uint64(1), events[1].Revision)
	assert.Equal(t, "order-placed", events[0].Class)
	assert.Equal(t, []byte(`{"ok":true}`), events[0].Data)
	assert.Greater(t, events[1].Position, events[0].Position)
}

func TestWrongExpectedRevisionOverGRPC(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	_, err := c.Append(ctx, &server.AppendRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedNoStream,
		Events:       wireEvents(2),
	})
	require.NoError(t, err)

	_, err = c.Append(ctx, &server.AppendRequest{
		StreamName:       "orders",
		ExpectedKind:     server.ExpectedRevision,
		ExpectedRevision: 0,
		Events:           wireEvents(1),
	})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestDeleteStreamOverGRPC(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	_, err := c.Append(ctx, &server.AppendRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedNoStream,
		Events:       wireEvents(2),
	})
	require.NoError(t, err)

	_, err = c.Delete(ctx, &server.DeleteRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedAny,
	})
	require.NoError(t, err)

	_, err = c.Append(ctx, &server.AppendRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedAny,
		Events:       wireEvents(1),
	})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	// Pre-tombstone events remain readable
	events, err := c.Read(ctx, &server.ReadRequest{
		StreamName: "orders",
		Direction:  server.ReadForwards,
		StartKind:  server.StartBeginning,
		MaxCount:   10,
	})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestReadMissingStreamOverGRPC(t *testing.T) {
	c := startTestServer(t)

	_, err := c.Read(context.Background(), &server.ReadRequest{
		StreamName: "ghost",
		Direction:  server.ReadForwards,
		StartKind:  server.StartBeginning,
		MaxCount:   10,
	})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestSubscribeOverGRPC(t *testing.T) {
	c := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Append(ctx, &server.AppendRequest{
		StreamName:   "orders",
		ExpectedKind: server.ExpectedNoStream,
		Events:       wireEvents(2),
	})
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, &server.SubscribeRequest{
		StreamName: "orders",
		StartKind:  server.StartBeginning,
	})
	require.NoError(t, err)
	defer sub.Cancel()

	msg, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, server.SubConfirmation, msg.Kind)

	for want := uint64(0); want < 2; want++ {
		msg, err = sub.Recv()
		require.NoError(t, err)
		require.Equal(t, server.SubEventAppeared, msg.Kind)
		assert.Equal(t, want, msg.Event.Revision)
	}

	msg, err = sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, server.SubCaughtUp, msg.Kind)

	_, err = c.Append(ctx, &server.AppendRequest{
		StreamName:       "orders",
		ExpectedKind:     server.ExpectedRevision,
		ExpectedRevision: 1,
		Events:           wireEvents(1),
	})
	require.NoError(t, err)

	msg, err = sub.Recv()
	require.NoError(t, err)
	require.Equal(t, server.SubEventAppeared, msg.Kind)
	assert.Equal(t, uint64(2), msg.Event.Revision)
}
