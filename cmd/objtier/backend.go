package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/objtier/internal/blob"
	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/file"
	"github.com/gftdcojp/objtier/internal/memory"
	"github.com/gftdcojp/objtier/internal/metrics"
	"github.com/gftdcojp/objtier/internal/natsobj"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/pkg/s3util"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const startupCheckTimeout = 10 * time.Second

// openBackend builds the backend selected by cfg. js is required only for
// NATS backends.
func openBackend(ctx context.Context, cfg config.BackendConfig, js jetstream.JetStream, logger *zap.Logger) (tier.Backend, error) {
	switch cfg.Type {
	case config.BackendMemory:
		logger.Warn("using in-memory backend, contents are lost on restart")
		return memory.NewStore(logger), nil
	case config.BackendFile:
		return file.NewStore(cfg.File, logger)
	case config.BackendS3:
		client, err := s3util.NewClient(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return blob.NewStore(client, cfg.S3, logger), nil
	case config.BackendNATS:
		if js == nil {
			return nil, errors.New("nats backend requires a JetStream connection")
		}
		return natsobj.NewStore(js, cfg.NATS, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// checkBackends pings every backend that supports it, failing on the first
// unreachable one.
func checkBackends(ctx context.Context, backends map[string]tier.Backend) error {
	for name, b := range backends {
		p, ok := b.(tier.Pinger)
		if !ok {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
		err := p.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("%s backend unreachable: %w", name, err)
		}
	}
	return nil
}

func pingers(backends map[string]tier.Backend) map[string]metrics.Pinger {
	out := make(map[string]metrics.Pinger)
	for name, b := range backends {
		if p, ok := b.(tier.Pinger); ok {
			out[name] = p
		}
	}
	return out
}
