package live

import (
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"ordersync/internal/domain"
)

const (
	serviceName  = "ordersync.OrderFeed"
	streamOrders = "StreamOrders"
	streamMethod = "/" + serviceName + "/" + streamOrders
)

// orderFeedServer is the handler type of the OrderFeed service. Requests and
// responses are structpb.Struct messages: the request may carry an "account"
// filter, each response is one order snapshot.
type orderFeedServer interface {
	StreamOrders(req *structpb.Struct, stream grpc.ServerStream) error
}

var orderFeedServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*orderFeedServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamOrders,
		Handler:       streamOrdersHandler,
		ServerStreams: true,
	}},
	Metadata: "ordersync/feed",
}

func streamOrdersHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(orderFeedServer).StreamOrders(req, stream)
}

// Server implements the StreamOrders gRPC endpoint.
type Server struct {
	hub *Hub
	log *slog.Logger
}

// NewServer creates a gRPC server backed by the given Hub.
func NewServer(hub *Hub, log *slog.Logger) *Server {
	return &Server{hub: hub, log: log}
}

// RegisterGRPC registers the server on the given gRPC server instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&orderFeedServiceDesc, s)
}

// StreamOrders sends the latest snapshot of every known order, then streams
// new snapshots as they arrive. The stream ends when the client disconnects.
func (s *Server) StreamOrders(req *structpb.Struct, stream grpc.ServerStream) error {
	account := req.GetFields()["account"].GetStringValue()

	// Subscribe before taking the snapshot so nothing published in between
	// is lost; the client may see an order twice.
	subID, ch := s.hub.Subscribe(4096)
	defer s.hub.Unsubscribe(subID)

	s.log.Info("grpc client subscribed", "subID", subID, "account", account)

	for _, o := range s.hub.Snapshot(account) {
		if err := s.send(stream, o); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case o, ok := <-ch:
			if !ok {
				return nil
			}
			if account != "" && o.Account != account {
				continue
			}
			if err := s.send(stream, o); err != nil {
				return err
			}
		}
	}
}

func (s *Server) send(stream grpc.ServerStream, o domain.Order) error {
	msg, err := OrderToStruct(o)
	if err != nil {
		return fmt.Errorf("encoding order %d: %w", o.Ref, err)
	}
	return stream.SendMsg(msg)
}
