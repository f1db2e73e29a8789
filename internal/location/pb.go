package location

import (
	"context"

	"google.golang.org/grpc"
)

// DriverLocation is one streamed fix from a fleet device.
type DriverLocation struct {
	DriverId    string  `json:"driver_id"`
	DisplayName string  `json:"display_name,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Speed       float64 `json:"speed"`
	Accuracy    float64 `json:"accuracy"`
	Ts          int64   `json:"ts"`
	// Active defaults to true; false takes the driver offline.
	Active *bool `json:"active,omitempty"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int32 `json:"accepted"`
	Skipped  int32 `json:"skipped"`
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "location.Location",
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*DriverLocation, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*DriverLocation, error) {
	msg := new(DriverLocation)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient opens location streams.
type LocationClient struct {
	cc grpc.ClientConnInterface
}

// NewLocationClient wraps a connection.
func NewLocationClient(cc grpc.ClientConnInterface) *LocationClient {
	return &LocationClient{cc: cc}
}

// Location_StreamLocationClient is the client side of the stream.
type Location_StreamLocationClient interface {
	Send(*DriverLocation) error
	CloseAndRecv() (*Ack, error)
}

// StreamLocation opens a client stream using the JSON codec.
func (c *LocationClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], "/location.Location/StreamLocation", opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (c *locationStreamClient) Send(m *DriverLocation) error { return c.ClientStream.SendMsg(m) }

func (c *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
