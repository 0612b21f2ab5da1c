package ipc

import (
	"encoding/json"
	"errors"
	"net/rpc"

	"coursebuild/internal/services"
)

// RemoteError is a daemon-side failure decoded by the client. It matches the
// services sentinel for its kind, so errors.Is(err, services.ErrConflict)
// works across the socket.
type RemoteError struct {
	Detail services.Detail
}

func (e *RemoteError) Error() string {
	return e.Detail.Message
}

// Unwrap returns the sentinel for the transported kind.
func (e *RemoteError) Unwrap() error {
	return services.MarkerFor(e.Detail.Kind)
}

// Kind returns the transported error kind.
func (e *RemoteError) Kind() services.Kind {
	return e.Detail.Kind
}

// encodeError flattens err into a JSON detail, because net/rpc only carries
// the error string.
func encodeError(err error) error {
	if err == nil {
		return nil
	}
	data, marshalErr := json.Marshal(services.Details(err))
	if marshalErr != nil {
		return err
	}
	return errors.New(string(data))
}

// decodeError rebuilds a RemoteError from a server error. Transport errors
// pass through unchanged.
func decodeError(err error) error {
	if err == nil {
		return nil
	}
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	var detail services.Detail
	if jsonErr := json.Unmarshal([]byte(serverErr), &detail); jsonErr != nil || detail.Kind == "" {
		return &RemoteError{Detail: services.Detail{Kind: services.KindInternal, Message: string(serverErr)}}
	}
	return &RemoteError{Detail: detail}
}
