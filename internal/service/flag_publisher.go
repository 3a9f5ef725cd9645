package service

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

// FlagPublisher 通知监考端有会话被自动标记
type FlagPublisher interface {
	PublishFlag(ctx context.Context, notice FlagNotice) error
}

type RedisFlagPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisFlagPublisher(client redis.UniversalClient, channel string) *RedisFlagPublisher {
	if channel == "" {
		channel = "examguard:attempts:flagged"
	}
	return &RedisFlagPublisher{client: client, channel: channel}
}

func (p *RedisFlagPublisher) PublishFlag(ctx context.Context, notice FlagNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}
