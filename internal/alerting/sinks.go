package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

var _ Sink = (*WebhookSink)(nil)
var _ Sink = (*TelegramSink)(nil)
var _ Sink = (*KafkaSink)(nil)

// WebhookSink posts the sink payload as JSON
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

func (w *WebhookSink) Name() string { return "webhook" }

func (w *WebhookSink) Send(ctx context.Context, p domain.SinkPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return postJSON(ctx, w.client, w.url, body)
}

// TelegramSink sends a text message through the Bot API, rate limited per second
type TelegramSink struct {
	appName string
	url     string
	chatID  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewTelegramSink(cfg *config.AlertingConfig, client *http.Client) (*TelegramSink, error) {
	if cfg == nil || cfg.Token == "" || cfg.ChatID == "" {
		return nil, errors.New("telegram sink needs token and chat_id")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	api := strings.TrimRight(cfg.APIURL, "/")
	if api == "" {
		api = "https://api.telegram.org"
	}
	perSec := cfg.PerSec
	if perSec <= 0 {
		perSec = 1
	}

	return &TelegramSink{
		appName: cfg.AppName,
		url:     fmt.Sprintf("%s/bot%s/sendMessage", api, cfg.Token),
		chatID:  cfg.ChatID,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
	}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Send(ctx context.Context, p domain.SinkPayload) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    t.format(p),
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, t.client, t.url, body)
}

func (t *TelegramSink) format(p domain.SinkPayload) string {
	var b strings.Builder
	if t.appName != "" {
		fmt.Fprintf(&b, "[%s] ", t.appName)
	}
	fmt.Fprintf(&b, "%s %s", strings.ToUpper(string(p.Severity)), p.RuleID)
	if p.Subject != "" {
		fmt.Fprintf(&b, " (%s)", p.Subject)
	}
	fmt.Fprintf(&b, "\n%s\n%s", p.Message, p.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// KafkaWriter is the part of kafka.Writer the sink uses
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes payloads keyed by rule id so one rule stays on one partition
type KafkaSink struct {
	writer KafkaWriter
}

func NewKafkaSink(cfg *config.KafkaSinkConfig) (*KafkaSink, error) {
	if cfg == nil || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka sink needs brokers and topic")
	}

	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}), nil
}

func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, p domain.SinkPayload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(p.RuleID),
		Value: data,
		Time:  p.Timestamp,
	})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// BuildSinks creates every configured sink; closers are returned for shutdown
func BuildSinks(alerting *config.AlertingConfig, cfg *config.AlertsConfig) ([]Sink, []io.Closer, error) {
	var (
		sinks   []Sink
		closers []io.Closer
	)

	for _, u := range cfg.Webhook.URLs {
		if u = strings.TrimSpace(u); u != "" {
			sinks = append(sinks, NewWebhookSink(u, nil))
		}
	}

	if alerting != nil && alerting.Token != "" {
		tg, err := NewTelegramSink(alerting, nil)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, tg)
	}

	if cfg.Kafka.Enabled {
		ks, err := NewKafkaSink(&cfg.Kafka)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ks)
		closers = append(closers, ks)
	}

	return sinks, closers, nil
}
