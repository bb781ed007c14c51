package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/etagpay/checkout/internal/services"
)

// newDiscardTopic spins up an in-process Pub/Sub server and returns a
// topic on it plus the server handle for inspecting published messages.
func newDiscardTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "checkout-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(context.Background(), "order-discard")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, topic
}

func TestEnqueueOrderDiscardPublishesTask(t *testing.T) {
	srv, topic := newDiscardTopic(t)

	publisher, err := NewPubSubCleanupPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubCleanupPublisher: %v", err)
	}

	task := services.OrderDiscardTask{
		SessionID:   "sess-1",
		OrderID:     "ord-9",
		Reason:      "checkout_cancelled",
		RequestedAt: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.EnqueueOrderDiscard(context.Background(), task); err != nil {
		t.Fatalf("EnqueueOrderDiscard: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	msg := messages[0]

	var payload services.OrderDiscardTask
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.SessionID != task.SessionID || payload.OrderID != task.OrderID {
		t.Fatalf("payload = %#v, want task fields round-tripped", payload)
	}
	if !payload.RequestedAt.Equal(task.RequestedAt) {
		t.Fatalf("requestedAt = %s, want %s", payload.RequestedAt, task.RequestedAt)
	}

	for key, want := range map[string]string{
		"sessionId": "sess-1",
		"orderId":   "ord-9",
		"reason":    "checkout_cancelled",
	} {
		if got := msg.Attributes[key]; got != want {
			t.Fatalf("attribute %s = %q, want %q", key, got, want)
		}
	}
}

func TestEnqueueOrderDiscardOmitsBlankAttributes(t *testing.T) {
	srv, topic := newDiscardTopic(t)

	publisher, err := NewPubSubCleanupPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubCleanupPublisher: %v", err)
	}

	task := services.OrderDiscardTask{SessionID: "sess-2", Reason: "  "}
	if err := publisher.EnqueueOrderDiscard(context.Background(), task); err != nil {
		t.Fatalf("EnqueueOrderDiscard: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	attrs := messages[0].Attributes
	if _, ok := attrs["orderId"]; ok {
		t.Fatal("blank orderId must not be published as an attribute")
	}
	if _, ok := attrs["reason"]; ok {
		t.Fatal("whitespace reason must not be published as an attribute")
	}
}

func TestEnqueueOrderDiscardMarshalFailure(t *testing.T) {
	_, topic := newDiscardTopic(t)

	publisher, err := NewPubSubCleanupPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubCleanupPublisher: %v", err)
	}
	publisher.marshal = func(any) ([]byte, error) { return nil, errors.New("marshal broken") }

	err = publisher.EnqueueOrderDiscard(context.Background(), services.OrderDiscardTask{SessionID: "sess-3"})
	if err == nil {
		t.Fatal("expected marshal error to surface")
	}
}

func TestNewPubSubCleanupPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubCleanupPublisher(nil); err == nil {
		t.Fatal("expected topic validation error")
	}
}
