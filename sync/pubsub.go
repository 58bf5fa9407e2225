package sync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/data-steve/rowcol-sync/config"
	"github.com/data-steve/rowcol-sync/models"
	"github.com/data-steve/rowcol-sync/utils"
	"github.com/gin-gonic/gin"
)

// SyncRequestPayload asks a worker to run one stream.
type SyncRequestPayload struct {
	TenantId    string `json:"tenant_id"`
	Rail        string `json:"rail"`
	EntityType  string `json:"entity_type"`
	TriggeredBy string `json:"triggered_by"`
}

// PubSubPushEnvelope is the push-delivery wrapper Google wraps messages in.
type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishSyncRequest hands a sync request to the worker pool via Pub/Sub.
// Manual triggers and webhooks go through here so the HTTP request returns
// immediately instead of holding the connection through a full run.
func PublishSyncRequest(ctx context.Context, payload SyncRequestPayload) error {
	topicName := strings.TrimSpace(os.Getenv("SYNC_REQUEST_TOPIC"))
	if topicName == "" {
		topicName = "rail-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
		// Self-provisioning deployments also own their worker subscription.
		if subName := strings.TrimSpace(os.Getenv("SYNC_REQUEST_SUBSCRIPTION")); subName != "" {
			if _, err := config.CreateSubscriptionIfNotExists(client, subName, topic); err != nil {
				return err
			}
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives pushed sync requests and runs them inline.
// Delivery errors always ack (204): Pub/Sub redelivery of a malformed message
// cannot fix it, and a failed run is already recorded on its cursor for the
// scheduler to retry.
func PubSubPushHandler(orchestrator *Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncRequestPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.TenantId == "" || payload.Rail == "" || payload.EntityType == "" {
			c.Status(204)
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), payload.TenantId)
		triggeredBy := payload.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.TriggerManual
		}
		_, _ = orchestrator.Trigger(ctx, payload.Rail, payload.EntityType, triggeredBy)
		c.Status(204)
	}
}

// WebhookHandler receives a rail's change notification and schedules an
// incremental sync for the affected tenant. The webhook body is treated as a
// hint only; the actual data still comes through the normal fetch path.
func WebhookHandler(railName string) gin.HandlerFunc {
	type webhookNotice struct {
		AccountId  string `json:"account_id"`
		EntityType string `json:"entity_type"`
	}

	return func(c *gin.Context) {
		if !config.RailWebhooksEnabled() {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var notice webhookNotice
		if err := json.Unmarshal(body, &notice); err != nil || notice.AccountId == "" {
			c.Status(204)
			return
		}

		conn, err := models.FindConnectionByExternalAccount(c.Request.Context(), railName, notice.AccountId)
		if err != nil {
			// An unknown account is not an error worth a retry storm.
			c.Status(204)
			return
		}

		entityTypes := models.AllEntityTypes()
		if notice.EntityType != "" {
			entityTypes = []string{notice.EntityType}
		}
		for _, entityType := range entityTypes {
			_ = PublishSyncRequest(c.Request.Context(), SyncRequestPayload{
				TenantId:    conn.TenantId,
				Rail:        railName,
				EntityType:  entityType,
				TriggeredBy: models.TriggerWebhook,
			})
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
