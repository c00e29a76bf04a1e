package telemetry

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// StreamSnapshotsMethod is the full gRPC method name of the snapshot stream.
const StreamSnapshotsMethod = "/navigation.Telemetry/StreamSnapshots"

// TelemetryServer is implemented by Publisher. Messages are well-known
// structpb types, so the service is described by hand rather than generated.
type TelemetryServer interface {
	StreamSnapshots(req *structpb.Struct, stream grpc.ServerStream) error
}

var _ TelemetryServer = (*Publisher)(nil)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "navigation.Telemetry",
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSnapshots",
			Handler:       streamSnapshotsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "navigation/telemetry.proto",
}

func streamSnapshotsHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).StreamSnapshots(req, stream)
}

// SnapshotStream is the client side of StreamSnapshots.
type SnapshotStream struct {
	stream grpc.ClientStream
}

// StreamSnapshots opens a snapshot stream on cc. req may be nil to receive
// every section.
func StreamSnapshots(ctx context.Context, cc grpc.ClientConnInterface, req *structpb.Struct) (*SnapshotStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], StreamSnapshotsMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &SnapshotStream{stream: stream}, nil
}

// Recv blocks for the next snapshot.
func (s *SnapshotStream) Recv() (*structpb.Struct, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
