// Package grpcbus carries results channels over a bidirectional gRPC stream.
// Frames are google.protobuf.Struct messages, so the service needs no
// generated code: the descriptor is declared by hand below.
package grpcbus

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "liveresults.relay.v1.Relay"
	sessionMethod = "/" + serviceName + "/Session"
)

// Frame operations.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opDeliver     = "deliver"
)

// relayServer is implemented by Relay.
type relayServer interface {
	Session(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*relayServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Session",
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(relayServer).Session(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "liveresults/relay.proto",
}

type frame struct {
	Op           string
	Channel      string
	Subscription string
	Data         json.RawMessage
}

func (f frame) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{"op": f.Op}
	if f.Channel != "" {
		fields["channel"] = f.Channel
	}
	if f.Subscription != "" {
		fields["subscription"] = f.Subscription
	}
	if len(f.Data) > 0 {
		var v any
		if err := json.Unmarshal(f.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", f.Channel, err)
		}
		fields["data"] = v
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building frame: %w", err)
	}
	return s, nil
}

// frameFromStruct reverses toStruct. Payload numbers come back as JSON
// numbers without a fractional part when they are integral.
func frameFromStruct(s *structpb.Struct) (frame, error) {
	fields := s.GetFields()
	f := frame{
		Op:           fields["op"].GetStringValue(),
		Channel:      fields["channel"].GetStringValue(),
		Subscription: fields["subscription"].GetStringValue(),
	}
	if v, ok := fields["data"]; ok {
		data, err := json.Marshal(v.AsInterface())
		if err != nil {
			return frame{}, fmt.Errorf("encoding %s payload: %w", f.Channel, err)
		}
		f.Data = data
	}
	if f.Op == "" {
		return frame{}, fmt.Errorf("frame without op")
	}
	return f, nil
}
