// Package messagebus is the Redis-streams message fabric behind the
// /messagebus/v1 WebSocket endpoint. Every channel maps to one stream;
// session and user channels are read with per-subscriber cursors, service
// channels through consumer groups, event channels fan out to every
// subscriber.
package messagebus

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Message types handled by the service itself. Anything else is treated
// as an opaque application message and forwarded unchanged.
const (
	TypeGeneralError               = "general_error"
	TypeChannelSubscriptionRequest = "channel_subscription_request"
	TypeChannelSubscriptionEvent   = "channel_subscription_event"
	TypeTraceRequest               = "trace_request"
	TypeTraceResponse              = "trace_response"
	TypeEvent                      = "event"
)

// Trace timestamps stamped while a message crosses the bus.
const (
	TraceBrokerReceive = "broker_ws_receive"
	TraceBrokerSend    = "broker_ws_send"
)

// Subscription operations of a channel_subscription_request.
const (
	OperationAdd    = "add"
	OperationSet    = "set"
	OperationRemove = "remove"
)

// Message is one bus message. The wire format is a flat MessagePack map:
// the common fields below plus the type-specific payload fields, which
// survive round-trips in Data.
type Message struct {
	ID          string
	Type        string
	Sender      string
	Channel     string
	BackChannel string
	// CreatedMs and ExpiresMs are unix milliseconds. A zero ExpiresMs
	// means the message never expires.
	CreatedMs int64
	ExpiresMs int64
	RefID     string
	Trace     map[string]int64
	Data      map[string]interface{}
}

var (
	_ msgpack.CustomEncoder = (*Message)(nil)
	_ msgpack.CustomDecoder = (*Message)(nil)
)

// reserved keys of the flat wire map.
var reservedKeys = map[string]bool{
	"id": true, "type": true, "sender": true, "channel": true,
	"back_channel": true, "created": true, "expires": true,
	"ref_id": true, "trace": true,
}

// New builds a message with a fresh id and creation timestamp.
func New(msgType, sender, channel string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Sender:    sender,
		Channel:   channel,
		CreatedMs: time.Now().UnixMilli(),
	}
}

// NewEvent builds an event message for the channel "event:<event>".
func NewEvent(sender, event string, data map[string]interface{}) *Message {
	m := New(TypeEvent, sender, "event:"+event)
	m.Data = map[string]interface{}{
		"event": event,
		"data":  data,
	}
	return m
}

// NewSubscriptionEvent reports the resulting subscription set of a
// channel_subscription_request back to its sender.
func NewSubscriptionEvent(sender, channel, refID string, subscribed []string, errMessage string) *Message {
	m := New(TypeChannelSubscriptionEvent, sender, channel)
	m.RefID = refID
	m.Data = map[string]interface{}{
		"subscribed_channels": subscribed,
	}
	if errMessage != "" {
		m.Data["error"] = map[string]interface{}{
			"code":    nil,
			"message": errMessage,
			"details": nil,
		}
	}
	return m
}

// NewGeneralError reports a processing failure back to a client channel.
func NewGeneralError(sender, channel, refID, errMessage string) *Message {
	m := New(TypeGeneralError, sender, channel)
	m.RefID = refID
	m.Data = map[string]interface{}{
		"error": map[string]interface{}{
			"code":    nil,
			"message": errMessage,
			"details": nil,
		},
	}
	return m
}

// Expired reports whether the message carries an expiry in the past.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresMs > 0 && m.ExpiresMs <= now.UnixMilli()
}

// StampTrace records a broker timestamp. Only messages already carrying
// a trace map and the trace message types are stamped.
func (m *Message) StampTrace(key string) {
	if m.Trace == nil {
		if m.Type != TypeTraceRequest && m.Type != TypeTraceResponse {
			return
		}
		m.Trace = make(map[string]int64, 2)
	}
	m.Trace[key] = time.Now().UnixMilli()
}

// SubscriptionRequest is the typed payload of a
// channel_subscription_request message.
type SubscriptionRequest struct {
	Operation string
	Channels  []string
}

// SubscriptionRequest decodes the payload of a subscription request.
func (m *Message) SubscriptionRequest() (SubscriptionRequest, error) {
	var req SubscriptionRequest
	op, _ := m.Data["operation"].(string)
	switch op {
	case OperationAdd, OperationSet, OperationRemove:
		req.Operation = op
	case "":
		return req, fmt.Errorf("subscription request without operation")
	default:
		return req, fmt.Errorf("invalid subscription operation %q", op)
	}
	raw, ok := m.Data["channels"].([]interface{})
	if !ok {
		return req, fmt.Errorf("subscription request without channels")
	}
	for _, c := range raw {
		name, ok := c.(string)
		if !ok || name == "" {
			return req, fmt.Errorf("invalid channel %v", c)
		}
		req.Channels = append(req.Channels, name)
	}
	return req, nil
}

// EncodeMsgpack flattens the message into one wire map.
func (m *Message) EncodeMsgpack(enc *msgpack.Encoder) error {
	wire := make(map[string]interface{}, len(m.Data)+9)
	for k, v := range m.Data {
		if !reservedKeys[k] {
			wire[k] = v
		}
	}
	wire["id"] = m.ID
	wire["type"] = m.Type
	wire["sender"] = m.Sender
	wire["channel"] = m.Channel
	wire["created"] = m.CreatedMs
	if m.BackChannel != "" {
		wire["back_channel"] = m.BackChannel
	}
	if m.ExpiresMs > 0 {
		wire["expires"] = m.ExpiresMs
	}
	if m.RefID != "" {
		wire["ref_id"] = m.RefID
	}
	if m.Trace != nil {
		wire["trace"] = m.Trace
	}
	return enc.Encode(wire)
}

// DecodeMsgpack rebuilds the message from the flat wire map.
func (m *Message) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeMap()
	if err != nil {
		return err
	}
	m.ID = asString(raw["id"])
	m.Type = asString(raw["type"])
	m.Sender = asString(raw["sender"])
	m.Channel = asString(raw["channel"])
	m.BackChannel = asString(raw["back_channel"])
	m.CreatedMs = asInt64(raw["created"])
	m.ExpiresMs = asInt64(raw["expires"])
	m.RefID = asString(raw["ref_id"])
	if trace, ok := raw["trace"].(map[string]interface{}); ok {
		m.Trace = make(map[string]int64, len(trace))
		for k, v := range trace {
			m.Trace[k] = asInt64(v)
		}
	}
	m.Data = nil
	for k, v := range raw {
		if reservedKeys[k] {
			continue
		}
		if m.Data == nil {
			m.Data = make(map[string]interface{})
		}
		m.Data[k] = v
	}
	if m.ID == "" || m.Type == "" || m.Channel == "" {
		return fmt.Errorf("message without id, type or channel")
	}
	return nil
}

// Marshal renders the message as plain MessagePack, the stream storage
// format.
func (m *Message) Marshal() ([]byte, error) {
	return msgpack.Marshal(m)
}

// Unmarshal parses a plain MessagePack message.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// EncodeFrame renders a WebSocket frame with the connection's negotiated
// compression.
func EncodeFrame(m *Message, compression string) ([]byte, error) {
	data, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	switch compression {
	case "":
		return data, nil
	case "lz4":
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// DecodeFrame parses a WebSocket frame with the connection's negotiated
// compression.
func DecodeFrame(data []byte, compression string) (*Message, error) {
	switch compression {
	case "":
	case "lz4":
		plain, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 frame: %w", err)
		}
		data = plain
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip frame: %w", err)
		}
		plain, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, fmt.Errorf("gzip frame: %w", err)
		}
		data = plain
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return Unmarshal(data)
}

// ValidCompression reports whether the compression query parameter names
// a supported frame codec.
func ValidCompression(compression string) bool {
	switch compression {
	case "", "lz4", "gzip":
		return true
	}
	return false
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case int16:
		return int64(n)
	case uint16:
		return int64(n)
	case int8:
		return int64(n)
	case uint8:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}
