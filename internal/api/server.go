package api

import (
	"net"

	"github.com/kolkov/pairsv/internal/process"
	"github.com/kolkov/pairsv/internal/service"
	"github.com/kolkov/pairsv/internal/supervisor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// OverallService is the health service name that tracks the supervisor itself.
const OverallService = ""

// Server exposes supervisor and child status over the standard gRPC health protocol.
type Server struct {
	sv     service.StatusService
	health *health.Server
	grpc   *grpc.Server
}

// NewServer must be called before the supervisor is started so no event is missed.
func NewServer(sv service.StatusService) *Server {
	s := &Server{
		sv:     sv,
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	// Рефлексия для grpcurl
	reflection.Register(s.grpc)

	s.health.SetServingStatus(OverallService, servingStatus(sv.State() == supervisor.Running))
	for _, info := range sv.Status() {
		s.health.SetServingStatus(info.Name, servingStatus(info.Status == process.Running))
	}
	sv.Subscribe(s.onEvent)
	return s
}

func (s *Server) onEvent(ev supervisor.Event) {
	if ev.Process != nil {
		s.health.SetServingStatus(ev.Process.Name, servingStatus(ev.Process.Status == process.Running))
		return
	}
	s.health.SetServingStatus(OverallService, servingStatus(ev.State == supervisor.Running))
}

func (s *Server) Serve(lis net.Listener) error {
	logrus.Infof("gRPC server listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return errors.Wrap(err, "failed to serve")
	}
	return nil
}

// ListenAndServe listens on addr and serves in the background.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			logrus.Errorf("gRPC server: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
