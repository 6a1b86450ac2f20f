package signalsource

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/engine"
)

// FeedServer is the server side of the feed.
type FeedServer interface {
	Pull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var feedServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FeedServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pull", Handler: pullHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signals.proto",
}

// RegisterFeedServer attaches srv to s.
func RegisterFeedServer(s grpc.ServiceRegistrar, srv FeedServer) {
	s.RegisterService(&feedServiceDesc, srv)
}

func pullHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FeedServer).Pull(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FeedServer).Pull(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Queue is an in-memory FeedServer: Push enqueues, Pull drains up to limit.
type Queue struct {
	mu      sync.Mutex
	pending []engine.Signal
}

func (q *Queue) Push(sigs ...engine.Signal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, sigs...)
}

func (q *Queue) Pull(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())

	q.mu.Lock()
	n := len(q.pending)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := q.pending[:n:n]
	q.pending = q.pending[n:]
	q.mu.Unlock()

	values := make([]*structpb.Value, 0, len(batch))
	for _, sig := range batch {
		s, err := Encode(sig)
		if err != nil {
			return nil, err
		}
		values = append(values, structpb.NewStructValue(s))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"signals": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}, nil
}
