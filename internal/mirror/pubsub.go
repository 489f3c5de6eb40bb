package mirror

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

const dialTimeout = 15 * time.Second

// Message is one envelope bound for the broker. Envelopes sharing an
// OrderingKey arrive in publish order.
type Message struct {
	Data        []byte
	Attributes  map[string]string
	OrderingKey string
}

// Ack resolves when the broker accepts or rejects a published message.
type Ack interface {
	Get(ctx context.Context) error
}

// Publisher hands envelopes to a broker. Publish must not block on the
// broker round trip; callers wait on the returned Ack.
type Publisher interface {
	Publish(ctx context.Context, msg Message) Ack
	Health(ctx context.Context) error
	Close() error
}

type pubsubPublisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// dialPubSub connects to the project and ensures the mirror topic
// exists, creating it on first run.
func dialPubSub(ctx context.Context, projectID, topicID string) (Publisher, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := pubsub.NewClient(dctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	ok, err := topic.Exists(dctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic lookup %s: %w", topicID, err)
	}
	if !ok {
		if topic, err = client.CreateTopic(dctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("topic create %s: %w", topicID, err)
		}
	}
	topic.EnableMessageOrdering = true

	return &pubsubPublisher{client: client, topic: topic}, nil
}

func (p *pubsubPublisher) Publish(ctx context.Context, msg Message) Ack {
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.OrderingKey,
	})
	return &pubsubAck{res: res, topic: p.topic, key: msg.OrderingKey}
}

func (p *pubsubPublisher) Health(ctx context.Context) error {
	ok, err := p.topic.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("topic %s gone", p.topic.ID())
	}
	return nil
}

func (p *pubsubPublisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

type pubsubAck struct {
	res   *pubsub.PublishResult
	topic *pubsub.Topic
	key   string
}

// Get waits for the broker ack. A failed ordered publish pauses its
// whole key inside the client, so the key is resumed before the error
// is reported.
func (a *pubsubAck) Get(ctx context.Context) error {
	if _, err := a.res.Get(ctx); err != nil {
		if a.key != "" {
			a.topic.ResumePublish(a.key)
		}
		return err
	}
	return nil
}
