package writer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"

	appconfig "cryptocrawler/config"
	"cryptocrawler/models"
)

func testMessage() models.CanonicalMessage {
	return models.CanonicalMessage{
		ID:        "0b1c",
		SourceURL: "https://www.bitstamp.net/api/v2/transactions/btcusd/",
		Exchange:  "bitstamp",
		Symbol:    "BTCUSD",
		Kind:      models.FeedTrade,
		Payload:   `[{"tid":"3"}]`,
		FetchedAt: time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC),
	}
}

type fakeKafka struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaWriterPublish(t *testing.T) {
	fk := &fakeKafka{}
	kw := newKafkaWriter(fk, "market-data")

	if err := kw.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(fk.msgs))
	}
	km := fk.msgs[0]
	if string(km.Key) != "bitstamp:BTCUSD:trade" {
		t.Errorf("unexpected key %q", km.Key)
	}
	var decoded models.CanonicalMessage
	if err := json.Unmarshal(km.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.Payload != `[{"tid":"3"}]` || decoded.Kind != models.FeedTrade {
		t.Errorf("unexpected value %s", km.Value)
	}
	if written, failed := kw.Stats(); written != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", written, failed)
	}

	if err := kw.Close(); err != nil || !fk.closed {
		t.Fatalf("close: %v closed=%v", err, fk.closed)
	}
}

func TestKafkaWriterError(t *testing.T) {
	kw := newKafkaWriter(&fakeKafka{err: errors.New("broker down")}, "market-data")
	err := kw.Publish(context.Background(), testMessage())
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected broker error, got %v", err)
	}
	if _, failed := kw.Stats(); failed != 1 {
		t.Fatalf("failed counter = %d", failed)
	}
}

func TestNewKafkaWriterRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaWriter(appconfig.KafkaConfig{Topic: "t"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

type fakeRedis struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeRedis) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedisStreamWriterPublish(t *testing.T) {
	fr := &fakeRedis{}
	w := newRedisStreamWriter(fr, "market-data", 1000)

	if err := w.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fr.args) != 1 {
		t.Fatalf("expected one XADD")
	}
	a := fr.args[0]
	if a.Stream != "market-data" || a.MaxLen != 1000 || !a.Approx {
		t.Errorf("unexpected args %+v", a)
	}
	values := a.Values.(map[string]interface{})
	if values["payload"] != `[{"tid":"3"}]` || values["kind"] != "trade" {
		t.Errorf("unexpected values %v", values)
	}
	if w.Written() != 1 {
		t.Errorf("written = %d", w.Written())
	}

	fr.err = errors.New("READONLY")
	if err := w.Publish(context.Background(), testMessage()); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func TestS3WriterPublish(t *testing.T) {
	fs := &fakeS3{}
	w := newS3Writer(fs, "market-archive", "raw")

	if err := w.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fs.inputs) != 1 {
		t.Fatalf("expected one object")
	}
	in := fs.inputs[0]
	if *in.Bucket != "market-archive" {
		t.Errorf("bucket = %s", *in.Bucket)
	}
	if want := "raw/bitstamp/BTCUSD/trade/2024/05/06/07/0b1c.json"; *in.Key != want {
		t.Errorf("key = %s, want %s", *in.Key, want)
	}
	if !strings.Contains(fs.bodies[0], `"source_url":"https://www.bitstamp.net/api/v2/transactions/btcusd/"`) {
		t.Errorf("unexpected body %s", fs.bodies[0])
	}
	if objects, size := w.Stats(); objects != 1 || size != int64(len(fs.bodies[0])) {
		t.Errorf("stats = %d/%d", objects, size)
	}
}

type stubPublisher struct {
	err       error
	published int
	closed    bool
}

func (s *stubPublisher) Publish(context.Context, models.CanonicalMessage) error {
	if s.err != nil {
		return s.err
	}
	s.published++
	return nil
}

func (s *stubPublisher) Close() error {
	s.closed = true
	return nil
}

func TestMultiWriterContinuesAfterFailure(t *testing.T) {
	bad := &stubPublisher{err: errors.New("unavailable")}
	good := &stubPublisher{}
	m := NewMultiWriter()
	m.Add("kafka", bad)
	m.Add("log", good)

	err := m.Publish(context.Background(), testMessage())
	var perr *PublishError
	if !errors.As(err, &perr) || perr.Sink != "kafka" {
		t.Fatalf("expected PublishError from kafka, got %v", err)
	}
	if good.published != 1 {
		t.Fatalf("remaining sink should still receive the message")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bad.closed || !good.closed {
		t.Fatalf("all sinks should be closed")
	}
}

func TestFromConfig(t *testing.T) {
	m, err := FromConfig(context.Background(), appconfig.PublisherConfig{Log: appconfig.LogSink{Enabled: true}})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected one sink, got %d", m.Len())
	}
	if err := m.Publish(context.Background(), testMessage()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := FromConfig(context.Background(), appconfig.PublisherConfig{}); err == nil {
		t.Fatalf("expected error with no sinks")
	}
	if _, err := FromConfig(context.Background(), appconfig.PublisherConfig{Kafka: appconfig.KafkaConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for kafka without brokers")
	}
}
