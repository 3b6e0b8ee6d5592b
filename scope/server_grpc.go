package scope

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultOutBufferSize = 10

	getFramesMethod = "/cvep.scope.Scope/GetFrames"
)

// frameService streams the scope frames to a client.
type frameService interface {
	GetFrames(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

var scopeServiceDesc = grpc.ServiceDesc{
	ServiceName: "cvep.scope.Scope",
	HandlerType: (*frameService)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetFrames",
			Handler:       getFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "scope.proto",
}

func getFramesHandler(srv any, stream grpc.ServerStream) error {
	request := new(emptypb.Empty)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(frameService).GetFrames(request, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

type grpcServer struct {
	listener net.Listener
	server   *grpc.Server

	outBufferSize int
	in            chan *structpb.Struct
	register      chan chan *structpb.Struct
	out           []chan *structpb.Struct
	shutdown      chan struct{}
}

func newGRPCServer(address string, outBufferSize int) (*grpcServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("cannot listen on address %s: %w", address, err)
	}

	result := &grpcServer{
		listener:      listener,
		outBufferSize: outBufferSize,
		in:            make(chan *structpb.Struct),
		register:      make(chan chan *structpb.Struct),
		shutdown:      make(chan struct{}),
	}
	result.server = grpc.NewServer()
	result.server.RegisterService(&scopeServiceDesc, result)

	return result, nil
}

func (s *grpcServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *grpcServer) run() {
	for {
		select {
		case <-s.shutdown:
			for _, out := range s.out {
				close(out)
			}
			s.out = nil
			return
		case out := <-s.register:
			s.out = append(s.out, out)
		case frame := <-s.in:
			s.sendFrameToStreams(frame)
		}
	}
}

// sendFrameToStreams closes the streams that cannot keep up.
func (s *grpcServer) sendFrameToStreams(frame *structpb.Struct) {
	kept := s.out[:0]
	for _, out := range s.out {
		select {
		case out <- frame:
			kept = append(kept, out)
		default:
			close(out)
		}
	}
	clear(s.out[len(kept):])
	s.out = kept
}

func (s *grpcServer) getFrameStream() chan *structpb.Struct {
	result := make(chan *structpb.Struct, s.outBufferSize)
	select {
	case s.register <- result:
	case <-s.shutdown:
		close(result)
	}
	return result
}

// Serve blocks until the server is stopped.
func (s *grpcServer) Serve() error {
	go s.run()

	err := s.server.Serve(s.listener)
	close(s.shutdown)
	return err
}

func (s *grpcServer) Stop() {
	s.server.Stop()
}

func (s *grpcServer) GetFrames(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	frames := s.getFrameStream()
	for {
		select {
		case frame, open := <-frames:
			if !open {
				return nil
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *grpcServer) SendFrame(frame *structpb.Struct) {
	select {
	case s.in <- frame:
	case <-s.shutdown:
	}
}
