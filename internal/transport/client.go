package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// Client calls a remote agent's Management service. It satisfies
// mgmt.Backend, so a remote agent can back a local gateway.
type Client struct {
	addr Address
	conn *grpc.ClientConn
}

var _ mgmt.Backend = (*Client)(nil)

type clientOptions struct {
	tlsConfig *tls.Config
	token     string
}

type ClientOption func(*clientOptions)

func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(o *clientOptions) {
		o.tlsConfig = cfg
	}
}

// WithToken sends "Bearer <token>" on every call.
func WithToken(token string) ClientOption {
	return func(o *clientOptions) {
		o.token = strings.TrimSpace(token)
	}
}

// Dial connects to target (a service address or host:port) and waits until
// the connection is ready or ctx ends. Failures wrap ErrConnection.
func Dial(ctx context.Context, target string, opts ...ClientOption) (*Client, error) {
	addr, err := ParseAddress(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mgmt.ErrInvalidArgument, err)
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	creds := insecure.NewCredentials()
	if o.tlsConfig != nil {
		creds = credentials.NewTLS(o.tlsConfig)
	}
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if o.token != "" {
		dialOpts = append(dialOpts, grpc.WithChainUnaryInterceptor(tokenUnaryInterceptor(o.token)))
	}

	conn, err := grpc.NewClient(addr.HostPort(), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnection, addr.HostPort(), err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("connection state %s", state)
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (c *Client) Address() Address {
	return c.addr
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Invoke(ctx context.Context, name mgmt.ObjectName, operation string, args []any, signature []string) (any, error) {
	encodedArgs, err := encodeList(args)
	if err != nil {
		return nil, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldName:      structpb.NewStringValue(name.String()),
		fieldOperation: structpb.NewStringValue(operation),
		fieldArgs:      structpb.NewListValue(encodedArgs),
		fieldSignature: structpb.NewListValue(stringList(signature)),
	}}
	resp := new(structpb.Value)
	if err := c.conn.Invoke(ctx, methodInvoke, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return decodeValue(resp)
}

func (c *Client) LoaderFor(ctx context.Context, name mgmt.ObjectName) (*mgmt.Loader, error) {
	resp := new(structpb.Value)
	if err := c.conn.Invoke(ctx, methodLoaderFor, wrapperspb.String(name.String()), resp); err != nil {
		return nil, fromStatus(err)
	}
	if _, isNull := resp.GetKind().(*structpb.Value_NullValue); isNull || resp.GetKind() == nil {
		return nil, nil
	}
	return &mgmt.Loader{Name: resp.GetStringValue()}, nil
}

func (c *Client) Query(ctx context.Context, pattern mgmt.ObjectName) ([]mgmt.ObjectName, error) {
	req := wrapperspb.String("")
	if !pattern.IsZero() {
		req = wrapperspb.String(pattern.String())
	}
	resp := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, methodQuery, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	raw := decodeStrings(resp)
	out := make([]mgmt.ObjectName, 0, len(raw))
	for _, s := range raw {
		n, err := mgmt.ParseObjectName(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Client) Count(ctx context.Context) (int, error) {
	resp := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, methodCount, &emptypb.Empty{}, resp); err != nil {
		return 0, fromStatus(err)
	}
	return int(resp.GetValue()), nil
}
