package grpc

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/erg0nix/konverse/internal/config"
)

// EndpointChecker reports whether the completion endpoint answers.
type EndpointChecker interface {
	Probe(ctx context.Context) error
}

type DaemonInfo struct {
	Config       config.Config
	Endpoint     EndpointChecker
	ProbeTimeout time.Duration
	StartTime    time.Time
	StopFunc     func()
}

func (h *TurnHandler) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	uptimeSeconds := int64(0)
	startedAtText := ""
	if !h.Daemon.StartTime.IsZero() {
		uptimeSeconds = int64(time.Since(h.Daemon.StartTime).Seconds())
		startedAtText = h.Daemon.StartTime.Format(time.RFC3339)
	}

	endpointHealthy := false
	if h.Daemon.Endpoint != nil {
		timeout := h.Daemon.ProbeTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		endpointHealthy = h.Daemon.Endpoint.Probe(probeCtx) == nil
		cancel()
	}

	activeSessions := 0
	if h.Sessions != nil {
		activeSessions = h.Sessions.Len()
	}

	cfg := h.Daemon.Config
	return encode(StatusResponse{
		Bind:            cfg.Bind,
		Endpoint:        cfg.Provider.Endpoint,
		Model:           cfg.Provider.Model,
		StoreBackend:    cfg.Store.Backend,
		DataDir:         cfg.DataDir,
		ProviderHealthy: endpointHealthy,
		UptimeSeconds:   uptimeSeconds,
		StartedAt:       startedAtText,
		ActiveSessions:  activeSessions,
	})
}

func (h *TurnHandler) Shutdown(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if h.Daemon.StopFunc != nil {
		go h.Daemon.StopFunc()
	}

	return encode(ShutdownResponse{Message: "shutting down"})
}
