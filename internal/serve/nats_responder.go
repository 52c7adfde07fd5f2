package serve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/objtier/internal/config"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "objtier"

// RunNATSResponder answers request-reply control messages until ctx is
// cancelled. Subjects:
//
//	{prefix}.scan    run a migration pass and reply with its stats
//	{prefix}.status  reply with the service status
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, store *tier.Store, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	scanSubject := prefix + ".scan"
	scanSub, err := nc.Subscribe(scanSubject, func(msg *nats.Msg) {
		logger.Info("scan requested over NATS", zap.String("subject", msg.Subject))
		respond(msg, store.ScanNow(ctx), logger)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", scanSubject, err)
	}
	defer scanSub.Unsubscribe()

	statusSubject := prefix + ".status"
	statusSub, err := nc.Subscribe(statusSubject, func(msg *nats.Msg) {
		respond(msg, statusOf(store), logger)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", statusSubject, err)
	}
	defer statusSub.Unsubscribe()

	logger.Info("NATS responder started",
		zap.String("scan_subject", scanSubject),
		zap.String("status_subject", statusSubject),
	)

	<-ctx.Done()
	return nil
}

func respond(msg *nats.Msg, v interface{}, logger *zap.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if err := msg.Respond(data); err != nil {
		logger.Warn("failed to reply", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
