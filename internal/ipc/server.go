package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"coursebuild/internal/api"
	"coursebuild/internal/builds"
	"coursebuild/internal/daemon"
	"coursebuild/internal/logging"
	"coursebuild/internal/services"
)

// serviceName is the JSON-RPC receiver name; methods are "CourseBuild.<Op>".
const serviceName = "CourseBuild"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Run serves until ctx is done and then closes the server.
func (s *Server) Run(ctx context.Context) error {
	s.Serve()
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.Close()
	return nil
}

// Close stops the server and removes the socket file. Connected clients are
// disconnected.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually and restart coursebuildd"))
	}
}

// Wait blocks until the accept loop and every connection handler returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) CreateBuild(req CreateBuildRequest, resp *CreateBuildResponse) error {
	if err := api.Validate(req); err != nil {
		return encodeError(err)
	}
	createReq, err := api.ToCreateRequest(req)
	if err != nil {
		return encodeError(err)
	}
	build, err := s.daemon.Registry().Create(s.ctx, createReq)
	if err != nil {
		return encodeError(err)
	}
	s.logger.Debug("build created via IPC", logging.String(logging.FieldBuildID, build.ID))
	resp.Build = build
	return nil
}

func (s *service) BuildStatus(req BuildRequest, resp *BuildStatusResponse) error {
	summary, err := s.daemon.Registry().Get(s.ctx, req.ID)
	if err != nil {
		return encodeError(err)
	}
	resp.Summary = summary
	return nil
}

func (s *service) ListBuilds(req ListBuildsRequest, resp *ListBuildsResponse) error {
	var filter builds.Filter
	for _, raw := range req.Statuses {
		status, ok := builds.ParseStatus(raw)
		if !ok {
			return encodeError(services.Wrap(services.ErrValidation, "ipc", "list builds", fmt.Sprintf("unknown status %q", raw), nil))
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	list, err := s.daemon.Registry().List(s.ctx, filter)
	if err != nil {
		return encodeError(err)
	}
	resp.Builds = list
	return nil
}

func (s *service) Pause(req BuildRequest, resp *BuildStatusResponse) error {
	return s.control(req.ID, "pause", s.daemon.Registry().Pause, resp)
}

func (s *service) Resume(req BuildRequest, resp *BuildStatusResponse) error {
	return s.control(req.ID, "resume", s.daemon.Registry().Resume, resp)
}

func (s *service) Cancel(req BuildRequest, resp *BuildStatusResponse) error {
	return s.control(req.ID, "cancel", s.daemon.Registry().Cancel, resp)
}

func (s *service) control(id, action string, fn func(context.Context, string) error, resp *BuildStatusResponse) error {
	if err := fn(s.ctx, id); err != nil {
		return encodeError(err)
	}
	summary, err := s.daemon.Registry().Get(s.ctx, id)
	if err != nil {
		return encodeError(err)
	}
	s.logger.Debug("build control applied via IPC",
		logging.String(logging.FieldBuildID, id),
		logging.String("action", action),
	)
	resp.Summary = summary
	return nil
}

func (s *service) ListPending(req ListPendingRequest, resp *CheckpointListResponse) error {
	list, err := s.daemon.Registry().ListPending(s.ctx, req.BuildID)
	if err != nil {
		return encodeError(err)
	}
	resp.Checkpoints = list
	return nil
}

func (s *service) Resolve(req ResolveRequest, resp *ResolveResponse) error {
	if err := api.Validate(req.Decision); err != nil {
		return encodeError(err)
	}
	decision, err := api.ToDecision(req.Decision)
	if err != nil {
		return encodeError(err)
	}
	cp, err := s.daemon.Registry().Resolve(s.ctx, req.CheckpointID, decision)
	if err != nil {
		return encodeError(err)
	}
	resp.Checkpoint = cp
	return nil
}

func (s *service) CheckpointHistory(req BuildRequest, resp *CheckpointListResponse) error {
	list, err := s.daemon.Registry().History(s.ctx, req.ID)
	if err != nil {
		return encodeError(err)
	}
	resp.Checkpoints = list
	return nil
}

func (s *service) ListContent(req BuildRequest, resp *ContentListResponse) error {
	items, err := s.daemon.Registry().ListContent(s.ctx, req.ID)
	if err != nil {
		return encodeError(err)
	}
	resp.Items = items
	return nil
}

func (s *service) ContentHistory(req ContentHistoryRequest, resp *ContentListResponse) error {
	items, err := s.daemon.Registry().ContentHistory(s.ctx, req.BuildID, req.Lineage)
	if err != nil {
		return encodeError(err)
	}
	resp.Items = items
	return nil
}

func (s *service) EditContent(req EditContentRequest, resp *EditContentResponse) error {
	item, err := s.daemon.Registry().EditContent(s.ctx, req.BuildID, req.Lineage, req.Payload, req.Editor)
	if err != nil {
		return encodeError(err)
	}
	resp.Item = item
	return nil
}

func (s *service) DiffContent(req DiffContentRequest, resp *DiffContentResponse) error {
	diff, err := s.daemon.Registry().DiffContent(s.ctx, req.FromID, req.ToID)
	if err != nil {
		return encodeError(err)
	}
	resp.Diff = diff
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	if err != nil {
		return encodeError(err)
	}
	resp.Sent = sent
	resp.Message = message
	return nil
}
