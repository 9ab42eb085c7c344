package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"ordersync/internal/domain"
)

// Client connects to an order feed server and hands every received order
// snapshot to a callback.
type Client struct {
	addr string
	opts []grpc.DialOption
	log  *slog.Logger
}

// NewClient creates a client targeting the given gRPC address. Extra dial
// options are appended after the insecure transport credentials.
func NewClient(addr string, log *slog.Logger, opts ...grpc.DialOption) *Client {
	return &Client{addr: addr, opts: opts, log: log}
}

// Sync streams order snapshots of account (all accounts when empty) into fn.
// It blocks until ctx is cancelled or the server ends the stream.
func (c *Client) Sync(ctx context.Context, account string, fn func(domain.Order)) error {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.opts...)
	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	defer conn.Close()

	desc := &grpc.StreamDesc{StreamName: streamOrders, ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, streamMethod)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	req, err := structpb.NewStruct(map[string]any{"account": account})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("closing send: %w", err)
	}

	c.log.Info("connected to order feed", "addr", c.addr, "account", account)

	for {
		msg := new(structpb.Struct)
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receiving order: %w", err)
		}
		o, err := StructToOrder(msg)
		if err != nil {
			c.log.Warn("skipping malformed order", "error", err)
			continue
		}
		fn(o)
	}
}
