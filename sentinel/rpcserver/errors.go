package rpcserver

import "fmt"

// ErrUnknownMethod is returned for any JSON-RPC method name outside
// §6's recognized operation list.
type ErrUnknownMethod struct {
	Method string
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("unrecognized rpc method %q", e.Method)
}
