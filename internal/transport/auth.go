package transport

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authorizer decides whether a management request may proceed.
type Authorizer func(ctx context.Context, method string) bool

// TokenAuthorizer accepts requests whose "authorization" metadata carries
// "Bearer <token>" for one of tokens. With no tokens every request passes.
func TokenAuthorizer(tokens ...string) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		allowed = append(allowed, []byte(t))
	}

	return func(ctx context.Context, _ string) bool {
		if len(allowed) == 0 {
			return true
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return false
		}
		for _, raw := range md.Get("authorization") {
			token, ok := parseBearerToken(raw)
			if !ok {
				continue
			}
			got := []byte(token)
			for _, want := range allowed {
				if subtle.ConstantTimeCompare(got, want) == 1 {
					return true
				}
			}
		}
		return false
	}
}

func parseBearerToken(raw string) (string, bool) {
	h := strings.TrimSpace(raw)
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	if token == "" {
		return "", false
	}
	return token, true
}

func authUnaryInterceptor(authorize Authorizer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if authorize != nil && !authorize(ctx, info.FullMethod) {
			return nil, status.Error(codes.Unauthenticated, ErrUnauthenticated.Error())
		}
		return handler(ctx, req)
	}
}

func tokenUnaryInterceptor(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
