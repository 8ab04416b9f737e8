package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	collectorServiceName = "shimrelay.v1.Collector"
	collectorPushMethod  = "/" + collectorServiceName + "/PushEvents"
)

// CollectorSender encodes event batches and sends prepared payloads.
// Params: batch of events and destination address.
// Returns: encoded payload and send status.
type CollectorSender interface {
	Encode(events []Event) ([]byte, error)
	SendBatch(ctx context.Context, address string, events []Event, timeout time.Duration) error
	Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error
}

// GRPCSender pushes event batches to collectors over gRPC.
// Params: none; connections are dialed lazily and cached per address.
// Returns: sender implementation.
type GRPCSender struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

// Close closes all cached connections.
// Params: none.
// Returns: first close error when present.
func (s *GRPCSender) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Encode serializes a batch into the protobuf wire payload.
// Params: events batch.
// Returns: payload bytes or encode error.
func (s *GRPCSender) Encode(events []Event) ([]byte, error) {
	batch, err := EncodeBatch(events)
	if err != nil {
		return nil, err
	}
	payload, err := proto.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	return payload, nil
}

// SendBatch encodes events and pushes them to one collector address.
// Params: ctx lifecycle context; address host:port; events batch; timeout dial/call timeout.
// Returns: send error on encode/connect/rpc failure.
func (s *GRPCSender) SendBatch(ctx context.Context, address string, events []Event, timeout time.Duration) error {
	batch, err := EncodeBatch(events)
	if err != nil {
		return err
	}
	return s.push(ctx, address, batch, timeout)
}

// Send decodes a queued payload and pushes it to one collector address.
// Params: ctx lifecycle context; address host:port; payload encoded batch; timeout dial/call timeout.
// Returns: send error on decode/connect/rpc failure.
func (s *GRPCSender) Send(ctx context.Context, address string, payload []byte, timeout time.Duration) error {
	var batch structpb.Struct
	if err := proto.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("unmarshal batch: %w", err)
	}
	return s.push(ctx, address, &batch, timeout)
}

// push invokes the collector push RPC.
// Params: ctx lifecycle context; address host:port; batch request; timeout call timeout.
// Returns: rpc error.
func (s *GRPCSender) push(ctx context.Context, address string, batch *structpb.Struct, timeout time.Duration) error {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return fmt.Errorf("collector address is empty")
	}

	conn, err := s.connForAddress(ctx, addr, timeout)
	if err != nil {
		return err
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := conn.Invoke(callCtx, collectorPushMethod, batch, &emptypb.Empty{}); err != nil {
		s.dropAddress(addr)
		return fmt.Errorf("push events %s: %w", addr, err)
	}
	return nil
}

// connForAddress returns a cached connection or dials a new one.
// Params: ctx lifecycle context; address host:port; timeout dial timeout.
// Returns: client connection or dial error.
func (s *GRPCSender) connForAddress(ctx context.Context, address string, timeout time.Duration) (*grpc.ClientConn, error) {
	s.mu.RLock()
	if conn, ok := s.conns[address]; ok {
		s.mu.RUnlock()
		return conn, nil
	}
	s.mu.RUnlock()

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[string]*grpc.ClientConn)
	}
	if cached, exists := s.conns[address]; exists {
		_ = conn.Close()
		return cached, nil
	}
	s.conns[address] = conn
	return conn, nil
}

// dropAddress closes and forgets the cached connection for address.
func (s *GRPCSender) dropAddress(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, exists := s.conns[address]
	if !exists {
		return
	}
	delete(s.conns, address)
	_ = conn.Close()
}

// EncodeBatch converts events into the protobuf batch message.
// Params: events batch.
// Returns: {"events": [...]} struct or conversion error.
func EncodeBatch(events []Event) (*structpb.Struct, error) {
	items := make([]*structpb.Value, 0, len(events))
	for idx, event := range events {
		encoded, err := encodeEvent(event)
		if err != nil {
			return nil, fmt.Errorf("encode event[%d]: %w", idx, err)
		}
		items = append(items, structpb.NewStructValue(encoded))
	}
	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"events": structpb.NewListValue(&structpb.ListValue{Values: items}),
		},
	}, nil
}

// encodeEvent converts one event into a protobuf struct.
// Params: event payload.
// Returns: struct message or conversion error.
func encodeEvent(event Event) (*structpb.Struct, error) {
	attributes := make(map[string]*structpb.Value, len(event.Attributes))
	for key, raw := range event.Attributes {
		value, err := encodeAttribute(raw)
		if err != nil {
			return nil, fmt.Errorf("encode attribute %q: %w", key, err)
		}
		attributes[key] = value
	}

	global := make(map[string]*structpb.Value, len(event.Global))
	for key, value := range event.Global {
		global[key] = structpb.NewStringValue(value)
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			"id":           structpb.NewStringValue(event.ID),
			"timestamp_ms": structpb.NewNumberValue(float64(event.Timestamp.UnixMilli())),
			"session":      structpb.NewStringValue(event.Session),
			"event_type":   structpb.NewStringValue(event.EventType),
			"name":         structpb.NewStringValue(event.Name),
			"attributes":   structpb.NewStructValue(&structpb.Struct{Fields: attributes}),
			"global":       structpb.NewStructValue(&structpb.Struct{Fields: global}),
		},
	}, nil
}

// encodeAttribute converts one normalized attribute value.
// Params: raw float64 or string value.
// Returns: protobuf value; non-finite numbers travel as their text form.
func encodeAttribute(raw any) (*structpb.Value, error) {
	switch typed := raw.(type) {
	case string:
		return structpb.NewStringValue(typed), nil
	case float64:
		switch {
		case math.IsNaN(typed):
			return structpb.NewStringValue("NaN"), nil
		case math.IsInf(typed, 1):
			return structpb.NewStringValue("Infinity"), nil
		case math.IsInf(typed, -1):
			return structpb.NewStringValue("-Infinity"), nil
		}
		return structpb.NewNumberValue(typed), nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", raw)
	}
}

// DecodeBatch converts a protobuf batch back into events.
// Params: batch message produced by EncodeBatch.
// Returns: events or shape error.
func DecodeBatch(batch *structpb.Struct) ([]Event, error) {
	list := batch.GetFields()["events"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("batch has no events list")
	}

	out := make([]Event, 0, len(list.GetValues()))
	for idx, item := range list.GetValues() {
		fields := item.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("event[%d] is not a struct", idx)
		}

		event := Event{
			ID:         fields["id"].GetStringValue(),
			Timestamp:  time.UnixMilli(int64(fields["timestamp_ms"].GetNumberValue())).UTC(),
			Session:    fields["session"].GetStringValue(),
			EventType:  fields["event_type"].GetStringValue(),
			Name:       fields["name"].GetStringValue(),
			Attributes: make(map[string]any),
			Global:     make(map[string]string),
		}
		for key, value := range fields["attributes"].GetStructValue().GetFields() {
			switch kind := value.GetKind().(type) {
			case *structpb.Value_NumberValue:
				event.Attributes[key] = kind.NumberValue
			default:
				event.Attributes[key] = value.GetStringValue()
			}
		}
		for key, value := range fields["global"].GetStructValue().GetFields() {
			event.Global[key] = value.GetStringValue()
		}
		out = append(out, event)
	}
	return out, nil
}

// CollectorServer receives pushed event batches.
type CollectorServer interface {
	PushEvents(ctx context.Context, batch *structpb.Struct) (*emptypb.Empty, error)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: collectorServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PushEvents",
			Handler:    pushEventsHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shimrelay/v1/collector.proto",
}

// RegisterCollectorServer registers srv on a gRPC server.
// Params: registrar gRPC server; srv batch receiver.
// Returns: none.
func RegisterCollectorServer(registrar grpc.ServiceRegistrar, srv CollectorServer) {
	registrar.RegisterService(&collectorServiceDesc, srv)
}

func pushEventsHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).PushEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: collectorPushMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).PushEvents(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Receiver is a CollectorServer that feeds received batches into a local sink.
// Params: downstream sink.
// Returns: gRPC batch receiver, used to chain relays.
type Receiver struct {
	sink Sink
}

// NewReceiver creates a receiver forwarding to sink.
func NewReceiver(sink Sink) *Receiver {
	return &Receiver{sink: sink}
}

// PushEvents decodes batch and consumes each event.
// Params: ctx rpc context; batch pushed batch.
// Returns: empty response or first consume error.
func (r *Receiver) PushEvents(ctx context.Context, batch *structpb.Struct) (*emptypb.Empty, error) {
	events, err := DecodeBatch(batch)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if err := r.sink.Consume(ctx, event); err != nil {
			return nil, fmt.Errorf("consume event %s: %w", event.ID, err)
		}
	}
	return &emptypb.Empty{}, nil
}
