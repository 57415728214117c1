package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-jobrun/internal/controller"
	"github.com/ChuLiYu/beaver-jobrun/internal/jobrun"
	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

// Submitter accepts new jobs; controller.Controller implements it.
type Submitter interface {
	Submit(ctx context.Context, job types.Job, onAccepted, onRejected func()) (bool, error)
}

// SubmitterFunc adapts a function such as jobrun.Runner.RunNew to Submitter.
type SubmitterFunc func(ctx context.Context, job types.Job, onAccepted, onRejected func()) (bool, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, job types.Job, onAccepted, onRejected func()) (bool, error) {
	return f(ctx, job, onAccepted, onRejected)
}

// Lister lists stored jobs; every store.Store implements it.
type Lister interface {
	List(ctx context.Context) ([]types.Job, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithGRPCOptions passes extra options to grpc.NewServer.
func WithGRPCOptions(opts ...grpc.ServerOption) Option {
	return func(s *Server) { s.grpcOpts = append(s.grpcOpts, opts...) }
}

// Server implements JobService on top of a Submitter and a Lister.
type Server struct {
	submitter Submitter
	lister    Lister
	log       *slog.Logger
	grpcOpts  []grpc.ServerOption
	grpc      *grpc.Server
}

var _ JobServiceServer = (*Server)(nil)

// NewServer creates a new gRPC server instance with JobService registered.
func NewServer(submitter Submitter, lister Lister, opts ...Option) *Server {
	s := &Server{
		submitter: submitter,
		lister:    lister,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "grpc")

	gopts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logInterceptor)}, s.grpcOpts...)
	s.grpc = grpc.NewServer(gopts...)
	RegisterJobServiceServer(s.grpc, s)
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop waits for in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// SubmitJob handles job submission from clients.
func (s *Server) SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := structToJob(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode job: %v", err)
	}
	// Generate ID if not provided
	if job.ID == "" {
		job.ID = types.NewJobID()
	}

	accepted := false
	started, err := s.submitter.Submit(ctx, job, func() { accepted = true }, nil)
	if err != nil {
		return nil, toStatus(err)
	}

	return structpb.NewStruct(map[string]interface{}{
		"job_id":   string(job.ID),
		"accepted": accepted,
		"started":  started,
	})
}

// ListJobs returns every stored job.
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	jobs, err := s.lister.List(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "list jobs: %v", err)
	}

	items := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		m, err := jobToMap(job)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "encode job %s: %v", job.ID, err)
		}
		items = append(items, m)
	}
	return structpb.NewStruct(map[string]interface{}{"jobs": items})
}

func (s *Server) logInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("rpc failed", "method", info.FullMethod, "code", status.Code(err).String(), "error", err, "duration", time.Since(start))
	} else {
		s.log.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStatus maps submission errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, jobrun.ErrInvalidJob), errors.Is(err, jobrun.ErrUnknownJobType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, jobrun.ErrLockContention):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, controller.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Helpers

func jobToMap(job types.Job) (map[string]interface{}, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func jobToStruct(job types.Job) (*structpb.Struct, error) {
	m, err := jobToMap(job)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func structToJob(s *structpb.Struct) (types.Job, error) {
	if s == nil {
		return types.Job{}, errors.New("empty request")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return types.Job{}, err
	}
	return decodeJob(raw)
}

func decodeJob(raw []byte) (types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return types.Job{}, fmt.Errorf("invalid job JSON: %w", err)
	}
	return job, nil
}
