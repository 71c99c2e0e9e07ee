package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/policyflow/internal/messaging/kafka"
)

func deadLetterValue(t *testing.T, topic, key string, partition int32, offset int64) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadLetterMessage{
		OriginalTopic:     topic,
		OriginalPartition: partition,
		OriginalOffset:    offset,
		OriginalKey:       key,
		OriginalValue:     `{"policy_id":"` + key + `","payment_intent_id":"pi_1"}`,
		ErrorMessage:      "policy lock unavailable",
		FailedAt:          time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
		RetryCount:        3,
	})
	if err != nil {
		t.Fatalf("marshal dead letter: %v", err)
	}
	return raw
}

func paymentDeadLetter(t *testing.T, partition int32, key string) *sarama.ConsumerMessage {
	t.Helper()
	return &sarama.ConsumerMessage{
		Partition: partition,
		Offset:    0,
		Value:     deadLetterValue(t, kafka.TopicPaymentConfirmations, key, 1, 17),
	}
}

func paymentsOnly() map[string]struct{} {
	return map[string]struct{}{kafka.TopicPaymentConfirmations: {}}
}

func TestSplitList(t *testing.T) {
	values := splitList(" broker-1:9092, ,broker-2:9092 ")
	if len(values) != 2 || values[0] != "broker-1:9092" || values[1] != "broker-2:9092" {
		t.Fatalf("unexpected values: %+v", values)
	}
	if got := splitList(""); len(got) != 0 {
		t.Fatalf("expected empty list, got %+v", got)
	}
}

func TestDecodeDeadLetter(t *testing.T) {
	got, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: deadLetterValue(t, kafka.TopicPaymentConfirmations, "policy-1", 2, 40)})
	if err != nil {
		t.Fatalf("decodeDeadLetter failed: %v", err)
	}
	if got.topic != kafka.TopicPaymentConfirmations || got.key != "policy-1" {
		t.Fatalf("unexpected replay target: %+v", got)
	}
	if got.source != kafka.TopicPaymentConfirmations+"/2/40" {
		t.Fatalf("unexpected source: %s", got.source)
	}
	if got.attempt != 3 {
		t.Fatalf("unexpected attempts: %d", got.attempt)
	}
	if !json.Valid(got.value) {
		t.Fatalf("original value must be preserved: %s", got.value)
	}
}

func TestDecodeDeadLetterRejectsUnknownPayloads(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "not json", value: "garbage"},
		{name: "no original topic", value: `{"original_value":"{}"}`},
		{name: "no original value", value: `{"original_topic":"policyflow.payments.confirmed"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(tt.value)}); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestConfigAccepts(t *testing.T) {
	msg := replayMessage{topic: kafka.TopicPaymentConfirmations, key: "policy-1"}

	tests := []struct {
		name string
		cfg  config
		want bool
	}{
		{name: "any topic", cfg: config{}, want: true},
		{name: "allowed topic", cfg: config{topics: paymentsOnly()}, want: true},
		{name: "other topic", cfg: config{topics: map[string]struct{}{"policyflow.alerts": {}}}, want: false},
		{name: "matching policy", cfg: config{policyID: "policy-1"}, want: true},
		{name: "other policy", cfg: config{policyID: "policy-2"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.accepts(msg); got != tt.want {
				t.Fatalf("accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-source-topic=policyflow.dlq",
		"-topics=policyflow.payments.confirmed, policyflow.policy.events",
		"-policy= policy-9 ",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
		}
		if len(cfg.topics) != 2 {
			t.Fatalf("unexpected topics: %+v", cfg.topics)
		}
		if cfg.policyID != "policy-9" {
			t.Fatalf("unexpected policy filter: %q", cfg.policyID)
		}
		if cfg.limit != 10 || !cfg.execute || !cfg.fromNewest {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.idleTimeout != 3*time.Second {
			t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
		}
	})
}

func TestReadConfig_DefaultTopics(t *testing.T) {
	withFlagArgs(t, []string{"-brokers=broker:9092"}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if cfg.sourceTopic != kafka.TopicDeadLetterQueue {
			t.Fatalf("unexpected source topic: %s", cfg.sourceTopic)
		}
		if _, ok := cfg.topics[kafka.TopicPaymentConfirmations]; !ok || len(cfg.topics) != 1 {
			t.Fatalf("expected payments topic only, got %+v", cfg.topics)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	t.Setenv(envKafkaBrokers, "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "brokers", args: []string{"-brokers="}, wantErr: "kafka brokers are required"},
		{name: "source topic", args: []string{"-brokers=broker:9092", "-source-topic="}, wantErr: "source-topic is required"},
		{name: "limit", args: []string{"-brokers=broker:9092", "-limit=0"}, wantErr: "limit must be > 0"},
		{name: "idle timeout", args: []string{"-brokers=broker:9092", "-idle-timeout=0s"}, wantErr: "idle-timeout must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFlagArgs(t, tt.args, func() {
				_, err := readConfig()
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected %q error, got: %v", tt.wantErr, err)
				}
			})
		})
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayMessage{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &stubReplayProducer{}
	err := publishReplay(producer, replayMessage{topic: kafka.TopicPaymentConfirmations, key: "policy-1", value: []byte(`{"x":1}`), source: "t/0/1"})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 || producer.lastMsg.Topic != kafka.TopicPaymentConfirmations {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	headers := map[string]string{}
	for _, h := range producer.lastMsg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	if headers[kafka.HeaderRetryCount] != "0" || headers[headerReplayedFrom] != "t/0/1" {
		t.Fatalf("unexpected headers: %+v", headers)
	}

	producer.sendErr = errors.New("send failed")
	if err := publishReplay(producer, replayMessage{topic: "topic"}); err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func TestProcessPartition_DryRun(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
		},
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, topics: paymentsOnly(), idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.processed != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestProcessPartition_Execute(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
		},
	}
	producer := &stubReplayProducer{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.replayed != 1 || producer.calls != 1 {
		t.Fatalf("expected one replay, got %+v calls=%d", stats, producer.calls)
	}
	if key, _ := producer.lastMsg.Key.Encode(); string(key) != "policy-1" {
		t.Fatalf("replay must keep policy key, got %s", key)
	}
}

func TestProcessPartition_SkipsFilteredMessages(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	other := &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: deadLetterValue(t, "policyflow.other", "policy-2", 0, 5)}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{
				{Partition: 0, Offset: 0, Value: []byte(`{"foo":"bar"}`)},
				other,
			}),
		},
	}
	producer := &stubReplayProducer{}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, topics: paymentsOnly(), execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 10)
	if err != nil {
		t.Fatalf("processPartition failed: %v", err)
	}
	if stats.processed != 2 || stats.skipped != 2 || stats.replayed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if producer.calls != 0 {
		t.Fatalf("filtered messages must not be replayed, got %d calls", producer.calls)
	}
}

func TestProcessPartition_ErrorBranches(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, idleTimeout: 20 * time.Millisecond}

	clientOffsetErr := &stubOffsetClient{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := processPartition(context.Background(), &stubPartitionConsumerSource{}, clientOffsetErr, &stubReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumerErr := &stubPartitionConsumerSource{consumeErr: errors.New("consume")}
	if _, err := processPartition(context.Background(), consumerErr, client, &stubReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errors <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := processPartition(context.Background(), consumer, client, &stubReplayProducer{}, cfg, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}

	consumer = &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
	}}
	producer := &stubReplayProducer{sendErr: errors.New("send fail")}
	if _, err := processPartition(context.Background(), consumer, client, producer, cfg, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestProcessPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, idleTimeout: 10 * time.Millisecond}

	idleConsumer := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	consumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: idleConsumer}}
	stats, err := processPartition(context.Background(), consumer, client, nil, cfg, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.processed != 0 {
		t.Fatalf("expected processed=0, got %+v", stats)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceledPC := &stubPartitionConsumer{
		messages: make(chan *sarama.ConsumerMessage),
		errors:   make(chan *sarama.ConsumerError),
	}
	canceledConsumer := &stubPartitionConsumerSource{consumers: map[int32]partitionConsumer{0: canceledPC}}
	if _, err := processPartition(ctx, canceledConsumer, client, nil, cfg, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	emptyClient := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 5, newest: 5}}}
	stats, err = processPartition(context.Background(), &stubPartitionConsumerSource{}, emptyClient, nil, cfg, 0, 1)
	if err != nil || stats.processed != 0 {
		t.Fatalf("empty partition must be a no-op, got %+v, %v", stats, err)
	}
}

func TestRunReplay(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 1, idleTimeout: 20 * time.Millisecond}

	if err := runReplay(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
			2: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 2, "policy-2")}),
		},
	}

	if err := runReplay(context.Background(), cfg, client, consumer, nil); err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].partition != 0 {
		t.Fatalf("expected only sorted first partition due to limit=1, got %+v", consumer.calls)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := runReplay(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	failingClient := &stubOffsetClient{partitionsErr: errors.New("metadata")}
	if err := runReplay(context.Background(), cfg, failingClient, consumer, nil); err == nil {
		t.Fatal("expected partitions error")
	}

	emptyClient := &stubOffsetClient{}
	if err := runReplay(context.Background(), cfg, emptyClient, consumer, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 1, idleTimeout: 20 * time.Millisecond}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
		},
	}
	producer := &stubReplayProducer{}

	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		newReplayDependencies = oldDeps
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &stubPartitionConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer([]*sarama.ConsumerMessage{paymentDeadLetter(t, 0, "policy-1")}),
		},
	}
	newReplayDependencies = func(config) (offsetClient, partitionConsumerSource, replayProducer, error) {
		return client, consumer, nil, nil
	}

	os.Args = []string{"dlq-replay", "-brokers=broker:9092", "-limit=1", "-idle-timeout=50ms"}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	main()
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-replay"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := s.offsetErr[partition]; ok {
		return 0, err
	}

	r := s.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	if s.partitionsErr != nil {
		return nil, s.partitionsErr
	}
	return append([]int32(nil), s.partitions...), nil
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubPartitionConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubPartitionConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	pc, ok := s.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (s *stubPartitionConsumerSource) Close() error {
	s.closed = true
	return nil
}

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error {
	s.closed = true
	return nil
}

func closedPartitionConsumer(messages []*sarama.ConsumerMessage) *stubPartitionConsumer {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &stubPartitionConsumer{messages: msgCh, errors: errCh}
}

type stubReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (s *stubReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	s.calls++
	s.lastMsg = msg
	if s.sendErr != nil {
		return 0, 0, s.sendErr
	}
	return 0, int64(s.calls), nil
}

func (s *stubReplayProducer) Close() error {
	s.closed = true
	return nil
}
