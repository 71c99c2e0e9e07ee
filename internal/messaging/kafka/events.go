package kafka

import (
	"encoding/json"
	"errors"
	"time"
)

// Topics по умолчанию.
const (
	TopicPolicyEvents         = "policyflow.policy.events"
	TopicNotifications        = "policyflow.policy.notifications"
	TopicAlerts               = "policyflow.fulfillment.alerts"
	TopicPaymentConfirmations = "policyflow.payments.confirmed"
	TopicDeadLetterQueue      = "policyflow.dlq"
)

// Kafka headers.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventKind     = "x-event-kind"
)

var errProducerNotInitialized = errors.New("kafka producer is not initialized")

// PolicyEventMessage: событие журнала полиса в топике жизненного цикла.
type PolicyEventMessage struct {
	Seq       int64           `json:"seq"`
	PolicyID  string          `json:"policy_id"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// CompletionMessage: уведомление о выпуске полиса.
type CompletionMessage struct {
	PolicyID     string    `json:"policy_id"`
	AccountID    string    `json:"account_id"`
	DocumentPath string    `json:"document_path"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	CompletedAt  time.Time `json:"completed_at"`
}

// AlertMessage: оповещение о полисе, исчерпавшем автоматические повторы.
type AlertMessage struct {
	PolicyID string    `json:"policy_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	RaisedAt time.Time `json:"raised_at"`
}

// DeadLetterMessage: сообщение, которое не удалось обработать.
type DeadLetterMessage struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
	RetryCount        int       `json:"retry_count"`
}
