package messagebus

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// Cursor sentinels accepted when a channel is subscribed.
const (
	// StartNew delivers only messages appended after the subscription.
	StartNew = "$"
	// StartPending resumes behind the last acknowledged message of the
	// channel. Only user channels track acknowledgements.
	StartPending = ">"
)

const readBlock = time.Second

// infoLastDelivered is the channel-info hash field holding the delivery
// cursor of a user channel.
const infoLastDelivered = "last-delivered-id"

// Reader follows one set of channels and pushes decoded messages into a
// shared delivery channel. A reader runs either in plain mode, one XREAD
// over all its channels, or in group mode, one XREADGROUP over a single
// service channel.
type Reader struct {
	rdb    *goredis.Client
	keys   redis.Keys
	logger *zap.Logger
	out    chan<- *Message

	// group mode
	groupChannel string
	consumer     string

	mu      sync.Mutex
	cursors map[string]string
}

// NewReader builds a plain reader with per-channel cursors.
func NewReader(rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, out chan<- *Message) *Reader {
	return &Reader{
		rdb:     rdb,
		keys:    keys,
		logger:  logger,
		out:     out,
		cursors: make(map[string]string),
	}
}

// NewGroupReader builds a consumer-group reader bound to one service
// channel. The group is named after the channel so each message reaches
// exactly one consumer.
func NewGroupReader(rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, channel, consumer string, out chan<- *Message) *Reader {
	return &Reader{
		rdb:          rdb,
		keys:         keys,
		logger:       logger,
		out:          out,
		groupChannel: channel,
		consumer:     consumer,
	}
}

// AddChannel registers a channel with a start cursor, resolving the "$"
// and ">" sentinels to concrete stream ids.
func (r *Reader) AddChannel(ctx context.Context, channel, start string) error {
	cursor, err := r.resolveStart(ctx, channel, start)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cursors[channel] = cursor
	r.mu.Unlock()
	return nil
}

// RemoveChannel drops a channel from the read set.
func (r *Reader) RemoveChannel(channel string) {
	r.mu.Lock()
	delete(r.cursors, channel)
	r.mu.Unlock()
}

// Channels lists the channels the reader currently follows.
func (r *Reader) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels := make([]string, 0, len(r.cursors))
	for c := range r.cursors {
		channels = append(channels, c)
	}
	return channels
}

func (r *Reader) resolveStart(ctx context.Context, channel, start string) (string, error) {
	switch start {
	case StartNew, "":
		return lastStreamID(ctx, r.rdb, r.keys.Channel(channel))
	case StartPending:
		id, err := r.rdb.HGet(ctx, r.keys.ChannelInfo(channel), infoLastDelivered).Result()
		if errors.Is(err, goredis.Nil) {
			return "0-0", nil
		}
		if err != nil {
			return "", err
		}
		return id, nil
	default:
		return start, nil
	}
}

// lastStreamID returns the id of the newest entry, "0-0" for missing or
// empty streams.
func lastStreamID(ctx context.Context, rdb *goredis.Client, key string) (string, error) {
	entries, err := rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", err
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	return entries[0].ID, nil
}

// Run loops until the context ends. Plain mode reads all registered
// channels in one blocking XREAD per iteration; group mode reads the bound
// service channel through its consumer group and acknowledges every
// delivered message.
func (r *Reader) Run(ctx context.Context) {
	for ctx.Err() == nil {
		var err error
		if r.groupChannel != "" {
			err = r.readGroup(ctx)
		} else {
			err = r.readPlain(ctx)
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("Message reader error", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (r *Reader) readPlain(ctx context.Context) error {
	r.mu.Lock()
	streams := make([]string, 0, len(r.cursors)*2)
	channels := make([]string, 0, len(r.cursors))
	for channel := range r.cursors {
		channels = append(channels, channel)
		streams = append(streams, r.keys.Channel(channel))
	}
	for _, channel := range channels {
		streams = append(streams, r.cursors[channel])
	}
	r.mu.Unlock()

	if len(channels) == 0 {
		select {
		case <-time.After(readBlock):
		case <-ctx.Done():
		}
		return nil
	}

	res, err := r.rdb.XRead(ctx, &goredis.XReadArgs{
		Streams: streams,
		Count:   32,
		Block:   readBlock,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range res {
		channel := r.channelForKey(stream.Stream, channels)
		if channel == "" {
			continue
		}
		for _, entry := range stream.Messages {
			r.mu.Lock()
			if _, still := r.cursors[channel]; still {
				r.cursors[channel] = entry.ID
			}
			r.mu.Unlock()
			if !r.deliver(ctx, entry) {
				continue
			}
			if isUserChannel(channel) {
				if err := r.rdb.HSet(ctx, r.keys.ChannelInfo(channel), infoLastDelivered, entry.ID).Err(); err != nil {
					r.logger.Warn("Delivery cursor update failed",
						zap.String("channel", channel), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (r *Reader) readGroup(ctx context.Context) error {
	key := r.keys.Channel(r.groupChannel)
	res, err := r.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    r.groupChannel,
		Consumer: r.consumer,
		Streams:  []string{key, ">"},
		Count:    32,
		Block:    readBlock,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range res {
		for _, entry := range stream.Messages {
			r.deliver(ctx, entry)
			if err := r.rdb.XAck(ctx, key, r.groupChannel, entry.ID).Err(); err != nil {
				r.logger.Warn("Message ack failed",
					zap.String("channel", r.groupChannel), zap.Error(err))
			}
		}
	}
	return nil
}

// deliver decodes one stream entry and hands it to the consumer. Expired
// and undecodable messages are dropped.
func (r *Reader) deliver(ctx context.Context, entry goredis.XMessage) bool {
	raw, ok := entry.Values["message"].(string)
	if !ok {
		return false
	}
	msg, err := Unmarshal([]byte(raw))
	if err != nil {
		r.logger.Warn("Dropping undecodable message",
			zap.String("entry", entry.ID), zap.Error(err))
		return false
	}
	if msg.Expired(time.Now()) {
		return false
	}
	select {
	case r.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reader) channelForKey(streamKey string, channels []string) string {
	for _, channel := range channels {
		if r.keys.Channel(channel) == streamKey {
			return channel
		}
	}
	return ""
}

// ReaderSet manages all readers of one connection: a shared plain reader
// plus one consumer-group reader per subscribed service channel.
type ReaderSet struct {
	rdb      *goredis.Client
	keys     redis.Keys
	logger   *zap.Logger
	out      chan<- *Message
	consumer string

	mu     sync.Mutex
	plain  *Reader
	groups map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaderSet builds the reader group of one connection. The consumer
// name identifies this connection inside service-channel consumer groups.
func NewReaderSet(ctx context.Context, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, consumer string, out chan<- *Message) *ReaderSet {
	ctx, cancel := context.WithCancel(ctx)
	s := &ReaderSet{
		rdb:      rdb,
		keys:     keys,
		logger:   logger,
		out:      out,
		consumer: consumer,
		plain:    NewReader(rdb, keys, logger, out),
		groups:   make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.plain.Run(ctx)
	}()
	return s
}

// Subscribe starts reading a channel. Service channels get a dedicated
// consumer-group reader, everything else joins the plain reader.
func (s *ReaderSet) Subscribe(ctx context.Context, channel, start string) error {
	if IsServiceChannel(channel) {
		if err := redis.EnsureGroup(ctx, s.rdb, s.keys.Channel(channel), channel, "$"); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.groups[channel]; ok {
			return nil
		}
		groupCtx, cancel := context.WithCancel(s.ctx)
		s.groups[channel] = cancel
		reader := NewGroupReader(s.rdb, s.keys, s.logger, channel, s.consumer, s.out)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reader.Run(groupCtx)
		}()
		return nil
	}
	return s.plain.AddChannel(ctx, channel, start)
}

// Unsubscribe stops reading a channel.
func (s *ReaderSet) Unsubscribe(channel string) {
	if IsServiceChannel(channel) {
		s.mu.Lock()
		if cancel, ok := s.groups[channel]; ok {
			cancel()
			delete(s.groups, channel)
		}
		s.mu.Unlock()
		return
	}
	s.plain.RemoveChannel(channel)
}

// Subscribed reports whether the channel is currently read.
func (s *ReaderSet) Subscribed(channel string) bool {
	for _, c := range s.Channels() {
		if c == channel {
			return true
		}
	}
	return false
}

// Channels lists all subscribed channels.
func (s *ReaderSet) Channels() []string {
	channels := s.plain.Channels()
	s.mu.Lock()
	for channel := range s.groups {
		channels = append(channels, channel)
	}
	s.mu.Unlock()
	return channels
}

// Close stops every reader and waits for their loops to exit.
func (s *ReaderSet) Close() {
	s.cancel()
	s.wg.Wait()
}
