// ABOUTME: Tests for the gRPC backend against an in-memory bufconn server
// ABOUTME: The server registers a hand-written service descriptor over protobuf Structs

package grpcbackend

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/relaygate/internal/routing"
)

type structHandler interface {
	Handle(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type echoServer struct {
	mu   sync.Mutex
	seen []*structpb.Struct
	fail bool
}

func (s *echoServer) Handle(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	s.seen = append(s.seen, in)
	s.mu.Unlock()
	if s.fail {
		return nil, status.Error(codes.Unavailable, "worker down")
	}
	return structpb.NewStruct(map[string]any{
		"echo": in.GetFields()["data"].AsInterface(),
		"ok":   true,
	})
}

var backendDesc = grpc.ServiceDesc{
	ServiceName: "relay.v1.Backend",
	HandlerType: (*structHandler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Handle",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(structHandler).Handle(ctx, in)
		},
	}},
}

func startServer(t *testing.T, impl *echoServer) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&backendDesc, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type nopTransport struct{}

func (nopTransport) Send(context.Context, routing.Payload) error { return nil }
func (nopTransport) Close() error                                  { return nil }

func TestHandleRequest_EmitsReply(t *testing.T) {
	impl := &echoServer{}
	b := New(startServer(t, impl))

	var got []*routing.Response
	require.NoError(t, b.Enable(t.Context(), func(_ context.Context, r *routing.Response) {
		got = append(got, r)
	}))

	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	c.SetUserID("1")
	req := routing.NewRequest(c, routing.NewPayload([]byte(`{"color":"green"}`)))

	require.NoError(t, b.HandleRequest(t.Context(), req))

	require.Len(t, got, 1)
	assert.Same(t, c, got[0].Connection)
	assert.Equal(t, req.ID, got[0].RequestID)
	assert.JSONEq(t, `{"echo":{"color":"green"},"ok":true}`, string(got[0].Payload.Bytes()))

	require.Len(t, impl.seen, 1)
	fields := impl.seen[0].GetFields()
	assert.Equal(t, "1", fields["user"].GetStringValue())
	assert.Equal(t, req.ID, fields["request_id"].GetStringValue())
	assert.Equal(t, c.ID(), fields["connection_id"].GetStringValue())
}

func TestHandleRequest_OmitsUserWhenAnonymous(t *testing.T) {
	impl := &echoServer{}
	b := New(startServer(t, impl))
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) {}))

	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	require.NoError(t, b.HandleRequest(t.Context(), routing.NewRequest(c, routing.NewPayload([]byte(`"hi"`)))))

	require.Len(t, impl.seen, 1)
	_, ok := impl.seen[0].GetFields()["user"]
	assert.False(t, ok)
	assert.Equal(t, "hi", impl.seen[0].GetFields()["data"].GetStringValue())
}

func TestHandleRequest_CallError(t *testing.T) {
	b := New(startServer(t, &echoServer{fail: true}))
	called := false
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) { called = true }))

	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	err := b.HandleRequest(t.Context(), routing.NewRequest(c, routing.NewPayload([]byte(`{}`))))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.False(t, called)
}

func TestHandleRequest_UnknownMethod(t *testing.T) {
	b := New(startServer(t, &echoServer{}), WithMethod("/relay.v1.Backend/Missing"))
	require.NoError(t, b.Enable(t.Context(), func(context.Context, *routing.Response) {}))

	c := routing.NewConnection(nopTransport{}, nil, nil, "127.0.0.1")
	err := b.HandleRequest(t.Context(), routing.NewRequest(c, routing.NewPayload([]byte(`{}`))))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
