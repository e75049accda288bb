// ABOUTME: gRPC agent transport: a hand-declared bidi stream of BytesValue frames.
// ABOUTME: Provides the server registration, a Session adapter, and a client dialer.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/protocol"
)

// Service and method names on the wire.
const (
	ServiceName   = "agenthub.v1.AgentHub"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// agentHubServer is the handler type named by the service descriptor.
type agentHubServer interface {
	connect(stream grpc.ServerStream) error
}

var agentHubServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*agentHubServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "agenthub/v1/agenthub.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(agentHubServer).connect(stream)
}

type grpcService struct {
	accept AcceptFunc
}

// RegisterGRPC installs the agent stream service on s.
func RegisterGRPC(s grpc.ServiceRegistrar, accept AcceptFunc) {
	s.RegisterService(&agentHubServiceDesc, &grpcService{accept: accept})
}

func (g *grpcService) connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(ProtocolHeader); len(vals) > 0 {
			kind, err := protocol.ParseProtocolKind(vals[0])
			if err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			ctx = WithProtocolPin(ctx, kind)
		}
	}

	sess := newGRPCServerSession(stream)
	defer sess.Close()
	return grpcStatus(g.accept(ctx, sess))
}

// grpcStatus maps a session's end reason to the status the agent sees.
func grpcStatus(err error) error {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, conn.ErrConnectionClosed):
		return nil
	case errors.Is(err, auth.ErrAuthRejected):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, protocol.ErrProtocolMismatch),
		errors.Is(err, protocol.ErrInvalidHello):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, conn.ErrSuperseded):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, conn.ErrHeartbeatTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, conn.ErrMalformedFlood):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, conn.ErrShutdown):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

type recvResult struct {
	frame []byte
	err   error
}

// grpcServerSession adapts a server stream to conn.Session. A pump
// goroutine owns RecvMsg so Close can unblock a pending Recv; the stream
// itself ends when the handler returns.
type grpcServerSession struct {
	stream grpc.ServerStream
	frames chan recvResult
	done   chan struct{}
	once   sync.Once
	remote string
}

func newGRPCServerSession(stream grpc.ServerStream) *grpcServerSession {
	s := &grpcServerSession{
		stream: stream,
		frames: make(chan recvResult),
		done:   make(chan struct{}),
		remote: "unknown",
	}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		s.remote = p.Addr.String()
	}
	go s.pump()
	return s
}

func (s *grpcServerSession) pump() {
	for {
		var msg wrapperspb.BytesValue
		err := s.stream.RecvMsg(&msg)
		select {
		case s.frames <- recvResult{frame: msg.GetValue(), err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *grpcServerSession) Send(frame []byte) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	return s.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (s *grpcServerSession) Recv() ([]byte, error) {
	select {
	case r := <-s.frames:
		return r.frame, r.err
	case <-s.done:
		return nil, io.ErrClosedPipe
	}
}

func (s *grpcServerSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *grpcServerSession) RemoteAddr() string { return s.remote }

// DialOptions configures DialGRPC.
type DialOptions struct {
	// Token is sent as "authorization: Bearer <token>" metadata.
	Token string
	// Protocol, when set, pins the stream to one protocol kind.
	Protocol protocol.ProtocolKind
	// GRPCOptions replace the default insecure transport credentials.
	GRPCOptions []grpc.DialOption
}

// GRPCClientSession is an agent's end of the gRPC stream.
type GRPCClientSession struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	target string
	once   sync.Once
}

// DialGRPC opens an agent stream to target. The stream lives until Close.
func DialGRPC(ctx context.Context, target string, opts DialOptions) (*GRPCClientSession, error) {
	dialOpts := opts.GRPCOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", target, err)
	}

	var md []string
	if opts.Token != "" {
		md = append(md, "authorization", "Bearer "+opts.Token)
	}
	if opts.Protocol != "" {
		md = append(md, ProtocolHeader, string(opts.Protocol))
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if len(md) > 0 {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, md...)
	}

	stream, err := cc.NewStream(streamCtx, &agentHubServiceDesc.Streams[0], ConnectMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("opening agent stream: %w", err)
	}
	return &GRPCClientSession{cc: cc, stream: stream, cancel: cancel, target: target}, nil
}

func (s *GRPCClientSession) Send(frame []byte) error {
	return s.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (s *GRPCClientSession) Recv() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (s *GRPCClientSession) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stream.CloseSend()
		s.cancel()
		err = s.cc.Close()
	})
	return err
}

func (s *GRPCClientSession) RemoteAddr() string { return s.target }

var (
	_ conn.Session = (*grpcServerSession)(nil)
	_ conn.Session = (*GRPCClientSession)(nil)
)
