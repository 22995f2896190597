package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chatsec/internal/models"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Publisher delivers comments to their room topic and feeds inbound
// comments to a handler.
type Publisher struct {
	node *Node

	mu     sync.Mutex
	topics map[int64]*pubsub.Topic
	subs   map[int64]*pubsub.Subscription
}

func NewPublisher(n *Node) *Publisher {
	return &Publisher{
		node:   n,
		topics: make(map[int64]*pubsub.Topic),
		subs:   make(map[int64]*pubsub.Subscription),
	}
}

func (p *Publisher) topic(roomID int64) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[roomID]; ok {
		return t, nil
	}
	t, err := p.node.PS.Join(RoomTopic(roomID))
	if err != nil {
		return nil, err
	}
	p.topics[roomID] = t
	return t, nil
}

// Deliver publishes c on its room topic.
func (p *Publisher) Deliver(ctx context.Context, c *models.Comment) error {
	t, err := p.topic(c.RoomID)
	if err != nil {
		return fmt.Errorf("join room %d: %w", c.RoomID, err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe calls handle for every comment published to roomID by other
// peers until ctx is done. Malformed messages are dropped.
func (p *Publisher) Subscribe(ctx context.Context, roomID int64, handle func(*models.Comment)) error {
	t, err := p.topic(roomID)
	if err != nil {
		return fmt.Errorf("join room %d: %w", roomID, err)
	}
	p.mu.Lock()
	if _, ok := p.subs[roomID]; ok {
		p.mu.Unlock()
		return nil
	}
	sub, err := t.Subscribe()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.subs[roomID] = sub
	p.mu.Unlock()

	log := p.node.log.With().Int64("room_id", roomID).Logger()
	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
					log.Warn().Err(err).Msg("subscription ended")
				}
				return
			}
			if msg.ReceivedFrom == p.node.Host.ID() {
				continue
			}
			var c models.Comment
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				log.Debug().Err(err).Str("from", msg.ReceivedFrom.String()).Msg("dropping malformed comment")
				continue
			}
			handle(&c)
		}
	}()
	return nil
}

// Close cancels subscriptions and leaves every joined topic.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, s := range p.subs {
		s.Cancel()
		delete(p.subs, id)
	}
	for id, t := range p.topics {
		if err := t.Close(); err != nil {
			p.node.log.Debug().Err(err).Int64("room_id", id).Msg("close topic")
		}
		delete(p.topics, id)
	}
}
