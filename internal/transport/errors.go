package transport

import (
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

const errorDomain = "mgmtagent"

var (
	// ErrConnection marks failures to reach the listener at all, as opposed
	// to errors the remote side produced.
	ErrConnection = errors.New("management connection failed")

	ErrUnauthenticated = errors.New("request is not authorized")
	ErrListenerStopped = errors.New("listener stopped")
)

type errorKind struct {
	reason   string
	sentinel error
	code     codes.Code
}

// Ordered: the first sentinel in err's chain decides the reason.
var errorKinds = []errorKind{
	{"INSTANCE_NOT_FOUND", mgmt.ErrInstanceNotFound, codes.NotFound},
	{"OPERATION_NOT_FOUND", mgmt.ErrOperationNotFound, codes.NotFound},
	{"INSTANCE_EXISTS", mgmt.ErrInstanceExists, codes.AlreadyExists},
	{"MALFORMED_NAME", mgmt.ErrMalformedName, codes.InvalidArgument},
	{"INVALID_ARGUMENT", mgmt.ErrInvalidArgument, codes.InvalidArgument},
	{"BACKEND_UNAVAILABLE", mgmt.ErrBackendUnavailable, codes.Unavailable},
	{"CONFIGURATION", mgmt.ErrConfiguration, codes.FailedPrecondition},
}

// toStatus maps a gateway error to a gRPC status carrying the error kind,
// object and operation as ErrorInfo details.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	reason := "INTERNAL"
	for _, k := range errorKinds {
		if errors.Is(err, k.sentinel) {
			code, reason = k.code, k.reason
			break
		}
	}
	info := &errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}
	if name, op, ok := mgmt.ExtractOperationError(err); ok {
		info.Metadata = map[string]string{"object": name, "operation": op}
	}
	st, detailErr := status.New(code, err.Error()).WithDetails(info)
	if detailErr != nil {
		return status.Error(code, err.Error())
	}
	return st.Err()
}

// RemoteError is an error produced by the remote agent. errors.Is matches
// it against the mgmt sentinel of the same kind.
type RemoteError struct {
	Code      codes.Code
	Reason    string
	Message   string
	Object    string
	Operation string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *RemoteError) Is(target error) bool {
	if e == nil {
		return false
	}
	if target == ErrUnauthenticated {
		return e.Code == codes.Unauthenticated
	}
	for _, k := range errorKinds {
		if k.sentinel == target {
			return k.reason == e.Reason
		}
	}
	return false
}

// fromStatus turns a client-side RPC error into a RemoteError, or into an
// ErrConnection-wrapped error when the call never reached the agent.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	remote := &RemoteError{Code: st.Code(), Message: st.Message()}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain {
			remote.Reason = info.GetReason()
			remote.Object = info.GetMetadata()["object"]
			remote.Operation = info.GetMetadata()["operation"]
		}
	}
	if remote.Reason == "" {
		switch st.Code() {
		case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}
	return remote
}
