// Package notify fans orchestration events out to Redis pub/sub channels
// consumed by UI gateways.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/engagement/orchestration/internal/event"
	apierrors "github.com/engagement/orchestration/pkg/errors"
	"github.com/engagement/orchestration/pkg/logger"
)

const (
	sagaChannelTemplate       = "saga:{sagaId}:events"
	engagementChannelTemplate = "engagement:{engagementId}:events"
)

// Notifier mirrors bus events onto per-saga and per-engagement pub/sub
// channels. Serving the WebSocket connections themselves is a gateway
// concern; this side only publishes.
type Notifier struct {
	client           *redis.Client
	log              *logger.Logger
	sagaFormat       string
	engagementFormat string
}

func New(client *redis.Client, log *logger.Logger) *Notifier {
	return &Notifier{
		client:           client,
		log:              log,
		sagaFormat:       strings.ReplaceAll(sagaChannelTemplate, "{sagaId}", "%s"),
		engagementFormat: strings.ReplaceAll(engagementChannelTemplate, "{engagementId}", "%s"),
	}
}

// HandleLifecycle is a bus handler for the saga lifecycle channel. The
// orchestrator stamps the saga ID as the correlation ID, which names the
// target channel; events without one have no saga stream and are skipped.
func (n *Notifier) HandleLifecycle(ctx context.Context, evt *event.Event) error {
	if evt.CorrelationID == "" {
		return nil
	}
	target := fmt.Sprintf(n.sagaFormat, evt.CorrelationID)
	if err := n.publish(ctx, target, evt); err != nil {
		return apierrors.Newf(apierrors.CodeUnavailable, "fan out %s to %s: %v", evt.Type, target, err)
	}
	return nil
}

// HandleEngagementFinalized mirrors the finalized announcement onto the
// engagement's channel.
func (n *Notifier) HandleEngagementFinalized(ctx context.Context, evt *event.Event) error {
	var payload event.EngagementFinalized
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return apierrors.Newf(apierrors.CodeSchemaInvalid, "decode %s payload: %v", evt.Type, err)
	}
	target := fmt.Sprintf(n.engagementFormat, payload.EngagementID)
	if err := n.publish(ctx, target, evt); err != nil {
		return apierrors.Newf(apierrors.CodeUnavailable, "fan out %s to %s: %v", evt.Type, target, err)
	}
	return nil
}

func (n *Notifier) publish(ctx context.Context, target string, evt *event.Event) error {
	msg := map[string]interface{}{
		"type":          evt.Type,
		"eventId":       evt.ID,
		"correlationId": evt.CorrelationID,
		"occurredAt":    evt.OccurredAt,
		"data":          json.RawMessage(evt.Payload),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, target, raw).Err(); err != nil {
		return err
	}
	n.log.Debugf("event fanned out", map[string]interface{}{
		"target": target,
		"type":   evt.Type,
	})
	return nil
}
