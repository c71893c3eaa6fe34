package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ChannelServiceName is the gRPC service carrying frames in both
// directions over a single bidirectional stream.
const ChannelServiceName = "evalworker.Channel"

const connectMethod = "/" + ChannelServiceName + "/Connect"

func init() {
	encoding.RegisterCodec(CBOR)
}

// AcceptFunc serves one connected stream. The stream stays open until it
// returns.
type AcceptFunc func(ctx context.Context, t Transport) error

type channelServer interface {
	connect(stream grpc.ServerStream) error
}

type channelHandler struct {
	accept AcceptFunc
}

func (h *channelHandler) connect(stream grpc.ServerStream) error {
	t := &grpcTransport{stream: stream}
	return h.accept(stream.Context(), t)
}

var channelServiceDesc = grpc.ServiceDesc{
	ServiceName: ChannelServiceName,
	HandlerType: (*channelServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(channelServer).connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "evalworker/channel",
}

// RegisterChannelServer exposes the frame channel on s. Each client stream
// is handed to accept.
func RegisterChannelServer(s *grpc.Server, accept AcceptFunc) {
	s.RegisterService(&channelServiceDesc, &channelHandler{accept: accept})
}

// NewGRPCServer creates a server that speaks the CBOR frame codec.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(10 * 1024 * 1024),
		grpc.MaxSendMsgSize(10 * 1024 * 1024),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// DialGRPC connects to a channel server and opens the frame stream.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (Transport, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CBOR.Name()),
			grpc.MaxCallRecvMsgSize(10*1024*1024),
			grpc.MaxCallSendMsgSize(10*1024*1024),
		),
	}

	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, &channelServiceDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &grpcTransport{
		stream: stream,
		close: func() error {
			_ = stream.CloseSend()
			cancel()
			return conn.Close()
		},
	}, nil
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcTransport struct {
	stream grpcStream
	close  func() error
	once   sync.Once
}

func (t *grpcTransport) ReadFrame() (*Frame, error) {
	f := new(Frame)
	if err := t.stream.RecvMsg(f); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	}
	return f, nil
}

func (t *grpcTransport) WriteFrame(f *Frame) error {
	return t.stream.SendMsg(f)
}

// Close ends the stream. On the server side the stream ends when the
// accept func returns, so Close only matters for dialed transports.
func (t *grpcTransport) Close() error {
	var err error
	t.once.Do(func() {
		if t.close != nil {
			err = t.close()
		}
	})
	return err
}
