package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

const (
	dialTimeout = 2 * time.Second
	// DefaultCallTimeout bounds a single RPC so CLI commands fail fast when
	// the daemon is wedged.
	DefaultCallTimeout = 30 * time.Second
)

// ErrCallTimeout is returned when the daemon does not answer in time.
var ErrCallTimeout = errors.New("ipc call timed out")

// Client provides RPC access to the daemon.
type Client struct {
	conn    net.Conn
	client  *rpc.Client
	timeout time.Duration
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient, timeout: DefaultCallTimeout}, nil
}

// SetTimeout overrides the per-call timeout. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	call := c.client.Go(serviceName+"."+method, req, resp, make(chan *rpc.Call, 1))
	if c.timeout <= 0 {
		<-call.Done
		return decodeError(call.Error)
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-call.Done:
		return decodeError(call.Error)
	case <-timer.C:
		return fmt.Errorf("%s: %w", method, ErrCallTimeout)
	}
}

// CreateBuild creates a build and starts it unless DeferStart is set.
func (c *Client) CreateBuild(req CreateBuildRequest) (*CreateBuildResponse, error) {
	var resp CreateBuildResponse
	if err := c.call("CreateBuild", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BuildStatus returns the summary of one build.
func (c *Client) BuildStatus(id string) (*BuildStatusResponse, error) {
	var resp BuildStatusResponse
	if err := c.call("BuildStatus", BuildRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListBuilds returns builds optionally filtered by statuses.
func (c *Client) ListBuilds(statuses []string) (*ListBuildsResponse, error) {
	var resp ListBuildsResponse
	if err := c.call("ListBuilds", ListBuildsRequest{Statuses: statuses}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause pauses a build.
func (c *Client) Pause(id string) (*BuildStatusResponse, error) {
	var resp BuildStatusResponse
	if err := c.call("Pause", BuildRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume resumes a paused build.
func (c *Client) Resume(id string) (*BuildStatusResponse, error) {
	var resp BuildStatusResponse
	if err := c.call("Resume", BuildRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a build.
func (c *Client) Cancel(id string) (*BuildStatusResponse, error) {
	var resp BuildStatusResponse
	if err := c.call("Cancel", BuildRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListPending returns open checkpoints, optionally for one build.
func (c *Client) ListPending(buildID string) (*CheckpointListResponse, error) {
	var resp CheckpointListResponse
	if err := c.call("ListPending", ListPendingRequest{BuildID: buildID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resolve approves or rejects a checkpoint.
func (c *Client) Resolve(req ResolveRequest) (*ResolveResponse, error) {
	var resp ResolveResponse
	if err := c.call("Resolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckpointHistory returns resolved checkpoints of a build.
func (c *Client) CheckpointHistory(buildID string) (*CheckpointListResponse, error) {
	var resp CheckpointListResponse
	if err := c.call("CheckpointHistory", BuildRequest{ID: buildID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListContent returns the latest version of every lineage of a build.
func (c *Client) ListContent(buildID string) (*ContentListResponse, error) {
	var resp ContentListResponse
	if err := c.call("ListContent", BuildRequest{ID: buildID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ContentHistory returns every version of one lineage.
func (c *Client) ContentHistory(buildID, lineage string) (*ContentListResponse, error) {
	var resp ContentListResponse
	req := ContentHistoryRequest{BuildID: buildID, Lineage: lineage}
	if err := c.call("ContentHistory", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EditContent appends a human-edited version.
func (c *Client) EditContent(buildID, lineage string, payload json.RawMessage, editor string) (*EditContentResponse, error) {
	var resp EditContentResponse
	req := EditContentRequest{BuildID: buildID, Lineage: lineage, Payload: payload, Editor: editor}
	if err := c.call("EditContent", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DiffContent compares two content versions.
func (c *Client) DiffContent(fromID, toID string) (*DiffContentResponse, error) {
	var resp DiffContentResponse
	if err := c.call("DiffContent", DiffContentRequest{FromID: fromID, ToID: toID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.call("TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
