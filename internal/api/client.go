package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

type ServiceStatus struct {
	Name     string
	Response *healthpb.HealthCheckResponse
}

func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	return conn, nil
}

// Check asks for the overall status followed by every name. Names the server does
// not know are reported as SERVICE_UNKNOWN.
func Check(ctx context.Context, conn grpc.ClientConnInterface, names []string) ([]ServiceStatus, error) {
	client := healthpb.NewHealthClient(conn)

	out := make([]ServiceStatus, 0, len(names)+1)
	for _, name := range append([]string{OverallService}, names...) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		if status.Code(err) == codes.NotFound {
			resp, err = &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "check %q", name)
		}
		out = append(out, ServiceStatus{Name: name, Response: resp})
	}
	return out, nil
}

// WriteStatuses prints one line per service, as JSON lines when asJSON is set.
func WriteStatuses(w io.Writer, statuses []ServiceStatus, asJSON bool) error {
	for _, st := range statuses {
		name := st.Name
		if !asJSON {
			if name == OverallService {
				name = "supervisor"
			}
			fmt.Fprintf(w, "- %s: %s\n", name, st.Response.GetStatus())
			continue
		}

		resp, err := protojson.Marshal(st.Response)
		if err != nil {
			return err
		}
		key, err := json.Marshal(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "{\"service\":%s,\"response\":%s}\n", key, resp)
	}
	return nil
}
