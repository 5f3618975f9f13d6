package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/strand-io/strand/internal/codec"
	"github.com/strand-io/strand/internal/server"
)

// Client is a thin gRPC client for the streams service. It speaks the
// same hand-rolled wire codec as the server.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// New connects to a strand node
func New(addr string, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(server.Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// NewWithConn wraps an existing connection; used by tests with bufconn
func NewWithConn(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Close tears the connection down
func (c *Client) Close() error {
	return c.conn.Close()
}

// Append appends a batch of events to a stream
func (c *Client) Append(ctx context.Context, req *server.AppendRequest) (*server.WriteResponse, error) {
	resp := new(server.WriteResponse)
	if err := c.conn.Invoke(ctx, "/"+server.ServiceName+"/AppendStream", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Delete tombstones a stream
func (c *Client) Delete(ctx context.Context, req *server.DeleteRequest) (*server.WriteResponse, error) {
	resp := new(server.WriteResponse)
	if err := c.conn.Invoke(ctx, "/"+server.ServiceName+"/DeleteStream", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

var readStreamDesc = &grpc.StreamDesc{
	StreamName:    "ReadStream",
	ServerStreams: true,
}

// Read collects a bounded read into a slice, stopping at the
// end-of-stream marker
func (c *Client) Read(ctx context.Context, req *server.ReadRequest) ([]*codec.RecordedEvent, error) {
	stream, err := c.conn.NewStream(ctx, readStreamDesc, "/"+server.ServiceName+"/ReadStream")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var events []*codec.RecordedEvent
	for {
		resp := new(server.ReadResponse)
		if err := stream.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return nil, err
		}
		if resp.EndOfStream {
			return events, nil
		}
		events = append(events, resp.Event)
	}
}

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Subscription is a live server stream of subscription messages
type Subscription struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Recv blocks for the next subscription message
func (s *Subscription) Recv() (*server.SubscribeResponse, error) {
	resp := new(server.SubscribeResponse)
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Cancel terminates the subscription
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe opens a stream subscription
func (c *Client) Subscribe(ctx context.Context, req *server.SubscribeRequest) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, subscribeStreamDesc, "/"+server.ServiceName+"/Subscribe")
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &Subscription{stream: stream, cancel: cancel}, nil
}
