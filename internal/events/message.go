package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
)

// Topic 标识事件所属的领域。
type Topic string

const (
	TopicSession Topic = "escrow.session"
	TopicPayment Topic = "payment.settlement"
	TopicTask    Topic = "task.artifact"
	TopicHandoff Topic = "handoff.transaction"
)

// Message 是总线上传输的事件信封。
type Message struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Code      xerrors.Code    `json:"code,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage 序列化 payload 并生成事件 ID。
func NewMessage(topic Topic, eventType, subject string, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Type:      eventType,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "事件载荷无法序列化")
		}
		msg.Payload = raw
	}
	return msg, nil
}

// WithCode 为事件附加错误码，Dispatcher 据此判断是否告警。
func (m Message) WithCode(code xerrors.Code) Message {
	m.Code = code
	return m
}

// Decode 将载荷反序列化到 v。
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFormat, err, "事件载荷格式错误")
	}
	return nil
}

func encode(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "事件编码失败")
	}
	return raw, nil
}

func decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeUpstreamFormat, err, "事件解码失败")
	}
	return msg, nil
}
