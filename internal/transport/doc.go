// Package transport carries management calls over gRPC.
//
// The Management service is declared by hand and exchanges protobuf
// well-known types (structpb, wrapperspb, emptypb), so it needs no protoc
// step. Errors cross the wire as gRPC statuses with an ErrorInfo detail
// and are matched against the mgmt sentinels again on the client.
package transport
