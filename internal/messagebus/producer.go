package messagebus

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

// Producer appends messages to channel streams. Streams are capped by
// approximate length and expire when a channel stays inactive.
type Producer struct {
	rdb          *goredis.Client
	keys         redis.Keys
	logger       *zap.Logger
	sender       string
	maxStreamLen int64
	channelTTL   time.Duration
}

// NewProducer builds a producer. The sender identity is stamped into
// service-generated messages, conventionally service:worker:<node>:<num>.
func NewProducer(rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, sender string, maxStreamLen int64, channelTTL time.Duration) *Producer {
	if maxStreamLen <= 0 {
		maxStreamLen = 10000
	}
	if channelTTL <= 0 {
		channelTTL = 2 * time.Hour
	}
	return &Producer{
		rdb:          rdb,
		keys:         keys,
		logger:       logger,
		sender:       sender,
		maxStreamLen: maxStreamLen,
		channelTTL:   channelTTL,
	}
}

// Sender returns the service identity of this producer.
func (p *Producer) Sender() string {
	return p.sender
}

// Send appends a message to its channel stream and refreshes the channel
// TTLs.
func (p *Producer) Send(ctx context.Context, m *Message) error {
	if m.Channel == "" {
		return fmt.Errorf("message without channel")
	}
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := p.keys.Channel(m.Channel)
	info := p.keys.ChannelInfo(m.Channel)
	pipe := p.rdb.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: p.maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{"message": data},
	})
	pipe.PExpire(ctx, key, p.channelTTL)
	pipe.HSet(ctx, info, "last-message", m.CreatedMs)
	pipe.PExpire(ctx, info, p.channelTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append to channel %s: %w", m.Channel, err)
	}
	return nil
}

// SendFrom forwards a client message: channel shorthands are expanded
// against the sending session, the sender field is forced to the session's
// identity and trace messages get their ingress timestamp.
func (p *Producer) SendFrom(ctx context.Context, s *session.Session, m *Message) error {
	m.Channel = ExpandShorthand(m.Channel, s)
	m.BackChannel = ExpandShorthand(m.BackChannel, s)
	m.Sender = SenderID(s)
	if err := CheckWrite(s, m.Channel); err != nil {
		return err
	}
	m.StampTrace(TraceBrokerReceive)
	return p.Send(ctx, m)
}

// SendEvent publishes a service event to its event channel. Failures are
// logged, events are best effort.
func (p *Producer) SendEvent(ctx context.Context, event string, data map[string]interface{}) {
	m := NewEvent(p.sender, event, data)
	if err := p.Send(ctx, m); err != nil {
		p.logger.Warn("Event publish failed",
			zap.String("event", event), zap.Error(err))
	}
}

// AddReader counts a new subscriber in the channel-info hash.
func (p *Producer) AddReader(ctx context.Context, channel string) {
	info := p.keys.ChannelInfo(channel)
	pipe := p.rdb.Pipeline()
	pipe.HIncrBy(ctx, info, "reader-count", 1)
	pipe.PExpire(ctx, info, p.channelTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("Channel info update failed",
			zap.String("channel", channel), zap.Error(err))
	}
}

// RemoveReader drops a subscriber from the channel-info hash.
func (p *Producer) RemoveReader(ctx context.Context, channel string) {
	if err := p.rdb.HIncrBy(ctx, p.keys.ChannelInfo(channel), "reader-count", -1).Err(); err != nil {
		p.logger.Warn("Channel info update failed",
			zap.String("channel", channel), zap.Error(err))
	}
}
