package transport

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nuetzliches/mgmtagent/internal/intercept"
	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// ServiceName is the fully qualified gRPC service the listener registers.
const ServiceName = "mgmtagent.v1.Management"

const (
	methodInvoke    = "/" + ServiceName + "/Invoke"
	methodLoaderFor = "/" + ServiceName + "/LoaderFor"
	methodQuery     = "/" + ServiceName + "/Query"
	methodCount     = "/" + ServiceName + "/Count"
)

// Invoke request fields.
const (
	fieldName      = "name"
	fieldOperation = "operation"
	fieldArgs      = "args"
	fieldSignature = "signature"
)

// ManagementServer is the server side of the Management service. Messages
// are protobuf well-known types so no generated code is needed.
type ManagementServer interface {
	Invoke(context.Context, *structpb.Struct) (*structpb.Value, error)
	LoaderFor(context.Context, *wrapperspb.StringValue) (*structpb.Value, error)
	Query(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Count(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// service decodes requests into gateway calls.
type service struct {
	gateway *intercept.Gateway
}

var _ ManagementServer = (*service)(nil)

func (s *service) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Value, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	fields := req.GetFields()
	name, err := parseName(fields[fieldName].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	operation := strings.TrimSpace(fields[fieldOperation].GetStringValue())
	if operation == "" {
		return nil, status.Error(codes.InvalidArgument, "operation is required")
	}
	args, err := decodeList(fields[fieldArgs].GetListValue())
	if err != nil {
		return nil, toStatus(err)
	}
	signature := decodeStrings(fields[fieldSignature].GetListValue())

	result, err := s.gateway.Dispatch(ctx, intercept.Call{
		Kind:      intercept.CallInvoke,
		Name:      name,
		Operation: operation,
		Args:      args,
		Signature: signature,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeValue(result)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *service) LoaderFor(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Value, error) {
	name, err := parseName(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	result, err := s.gateway.Dispatch(ctx, intercept.Call{Kind: intercept.CallLoaderFor, Name: name})
	if err != nil {
		return nil, toStatus(err)
	}
	loader, _ := result.(*mgmt.Loader)
	if loader == nil {
		return structpb.NewNullValue(), nil
	}
	return structpb.NewStringValue(loader.Name), nil
}

func (s *service) Query(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	var pattern mgmt.ObjectName
	if raw := strings.TrimSpace(req.GetValue()); raw != "" {
		p, err := mgmt.ParseObjectName(raw)
		if err != nil {
			return nil, toStatus(err)
		}
		pattern = p
	}
	names, err := s.gateway.Query(ctx, pattern)
	if err != nil {
		return nil, toStatus(err)
	}
	return stringList(sortedNames(names)), nil
}

func (s *service) Count(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := s.gateway.Count(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(n)), nil
}

func parseName(raw string) (mgmt.ObjectName, error) {
	if strings.TrimSpace(raw) == "" {
		return mgmt.ObjectName{}, mgmt.ErrMalformedName
	}
	return mgmt.ParseObjectName(raw)
}

func registerManagementServer(s grpc.ServiceRegistrar, srv ManagementServer) {
	s.RegisterService(&managementServiceDesc, srv)
}

var managementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManagementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "LoaderFor", Handler: loaderForHandler},
		{MethodName: "Query", Handler: queryHandler},
		{MethodName: "Count", Handler: countHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mgmtagent/v1/management.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInvoke}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func loaderForHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).LoaderFor(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLoaderFor}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).LoaderFor(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodQuery}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).Query(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func countHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagementServer).Count(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCount}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ManagementServer).Count(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
