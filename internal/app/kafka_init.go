package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/policyflow/internal/service/intake"
)

// initKafkaProducer создаёт producer. Ошибка логируется, сервис продолжает работу без Kafka.
func initKafkaProducer(brokers []string, clientID string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, clientID)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initPaymentConsumer подписывает intake на топик подтверждений оплаты.
// Без producer сообщения, исчерпавшие повторы, не попадают в DLQ.
func initPaymentConsumer(cfg Config, confirmer *intake.Service, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	topic := cfg.KafkaPaymentsTopic
	if topic == "" {
		topic = kafka.TopicPaymentConfirmations
	}

	consumer, err := kafka.NewConsumerWithDLQ(
		cfg.KafkaBrokers,
		cfg.KafkaConsumerGroup,
		[]string{topic},
		kafka.NewPaymentHandler(confirmer),
		dlq,
		cfg.KafkaConsumerMaxRetries,
	)
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"topic": topic,
		"group": cfg.KafkaConsumerGroup,
	}).Info("payment consumer initialized")
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
