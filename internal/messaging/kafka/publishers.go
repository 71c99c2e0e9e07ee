package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// EventPublisher публикует события журнала полиса в топик жизненного цикла.
// Ключом сообщения служит ID полиса, поэтому события одного полиса попадают в одну партицию.
type EventPublisher struct {
	producer *Producer
	topic    string
}

// NewEventPublisher создаёт паблишер событий. Пустой topic заменяется TopicPolicyEvents.
func NewEventPublisher(producer *Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = TopicPolicyEvents
	}
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) PublishEvent(_ context.Context, event domain.Event) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialized
	}

	payload, err := domain.EncodePayload(event.Payload)
	if err != nil {
		return fmt.Errorf("encode policy event %d: %w", event.Seq, err)
	}

	msg := PolicyEventMessage{
		Seq:       event.Seq,
		PolicyID:  event.PolicyID,
		Kind:      string(event.Kind),
		CreatedAt: event.CreatedAt.UTC(),
		Payload:   payload,
	}
	return p.producer.Send(p.topic, event.PolicyID, msg, map[string]string{
		HeaderEventKind: string(event.Kind),
	})
}

// CompletionNotifier отправляет уведомление о выпуске полиса в топик уведомлений.
type CompletionNotifier struct {
	producer *Producer
	topic    string
}

// NewCompletionNotifier создаёт Kafka-реализацию domain.Notifier.
func NewCompletionNotifier(producer *Producer, topic string) *CompletionNotifier {
	if topic == "" {
		topic = TopicNotifications
	}
	return &CompletionNotifier{producer: producer, topic: topic}
}

func (n *CompletionNotifier) NotifyCompletion(_ context.Context, policy domain.Policy, completed domain.Event) error {
	if n == nil || n.producer == nil {
		return errProducerNotInitialized
	}

	payload, ok := completed.Payload.(domain.Completed)
	if !ok {
		return fmt.Errorf("notify completion: unexpected payload kind %s", completed.Kind)
	}

	msg := CompletionMessage{
		PolicyID:     policy.ID,
		AccountID:    policy.AccountID,
		DocumentPath: payload.DocumentPath,
		StartDate:    policy.StartDate,
		EndDate:      policy.EndDate,
		CompletedAt:  completed.CreatedAt.UTC(),
	}
	return n.producer.Send(n.topic, policy.ID, msg, nil)
}

// AlertPublisher публикует оповещения о полисах, исчерпавших повторы оформления.
type AlertPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewAlertPublisher создаёт паблишер оповещений.
func NewAlertPublisher(producer *Producer, topic string) *AlertPublisher {
	if topic == "" {
		topic = TopicAlerts
	}
	return &AlertPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishExhausted сообщает, что автоматические повторы для policyID закончились.
func (p *AlertPublisher) PublishExhausted(_ context.Context, policyID string, attempts int, cause error) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialized
	}

	msg := AlertMessage{
		PolicyID: policyID,
		Attempts: attempts,
		RaisedAt: p.now(),
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return p.producer.Send(p.topic, policyID, msg, nil)
}

var (
	_ domain.EventPublisher = (*EventPublisher)(nil)
	_ domain.Notifier       = (*CompletionNotifier)(nil)
)
