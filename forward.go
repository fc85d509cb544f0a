package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Forwarder delivers a complete SMS to one destination
type Forwarder interface {
	Forward(ctx context.Context, msg *Message) error
	Name() string
}

// Payload is the JSON document sent to HTTP, MQTT and Kafka sinks
type Payload struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	Timestamp  string    `json:"timestamp"`
	SMSC       string    `json:"smsc,omitempty"`
	Parts      int       `json:"parts"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewPayload wraps msg with a fresh delivery ID
func NewPayload(msg *Message, receivedAt time.Time) Payload {
	return Payload{
		ID:         uuid.NewString(),
		Sender:     msg.Sender,
		Text:       msg.Text,
		Timestamp:  msg.FormatTimestamp(),
		SMSC:       msg.SMSC,
		Parts:      msg.SegmentCount(),
		ReceivedAt: receivedAt.UTC(),
	}
}

// HTTPForwarder POSTs the JSON payload to a web endpoint
type HTTPForwarder struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPForwarder creates a forwarder for url. apiKey is sent as X-API-Key when set.
func NewHTTPForwarder(url, apiKey string, timeout time.Duration) *HTTPForwarder {
	return &HTTPForwarder{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPForwarder) Name() string { return "http" }

func (f *HTTPForwarder) Forward(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(NewPayload(msg, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// telegramSender is the part of *bot.Bot used here
type telegramSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramForwarder sends SMS and alerts to a set of Telegram chats
type TelegramForwarder struct {
	bot     telegramSender
	chatIDs []int64
}

// NewTelegramForwarder creates a bot client for token
func NewTelegramForwarder(token string, chatIDs []int64) (*TelegramForwarder, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramForwarder{bot: b, chatIDs: chatIDs}, nil
}

func (f *TelegramForwarder) Name() string { return "telegram" }

func (f *TelegramForwarder) Forward(ctx context.Context, msg *Message) error {
	return f.Notify(ctx, formatTelegramMessage(msg))
}

// Notify sends an HTML formatted text to every chat
func (f *TelegramForwarder) Notify(ctx context.Context, text string) error {
	for _, chatID := range f.chatIDs {
		_, err := f.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			return fmt.Errorf("send to chat %d: %w", chatID, err)
		}
		slog.Debug("Message sent successfully", "chat_id", chatID)
	}
	return nil
}

func formatTelegramMessage(msg *Message) string {
	var sb strings.Builder
	sb.WriteString("<b>SMS Received</b>\n\n")
	fmt.Fprintf(&sb, "<b>From:</b> <code>%s</code>\n", escapeHTML(msg.Sender))
	fmt.Fprintf(&sb, "<b>Time:</b> %s\n", msg.FormatTimestamp())
	if msg.SMSC != "" {
		fmt.Fprintf(&sb, "<b>SMSC:</b> %s\n", escapeHTML(msg.SMSC))
	}
	if n := msg.SegmentCount(); n > 1 {
		fmt.Fprintf(&sb, "<b>Parts:</b> %d\n", n)
	}
	fmt.Fprintf(&sb, "\n%s", escapeHTML(msg.Text))
	return sb.String()
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// mqttPublisher is the part of mqtt.Client used here
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTForwarder publishes the JSON payload to a broker topic with QoS 1
type MQTTForwarder struct {
	client  mqttPublisher
	topic   string
	timeout time.Duration
}

// MQTTConfig holds broker connection settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// NewMQTTForwarder connects to the broker and returns a publisher for cfg.Topic
func NewMQTTForwarder(cfg MQTTConfig, timeout time.Duration) (*MQTTForwarder, error) {
	broker, topic := cfg.Broker, cfg.Topic
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out after %s", broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	slog.Info("MQTT connected", "broker", broker, "topic", topic)

	return &MQTTForwarder{client: client, topic: topic, timeout: timeout}, nil
}

func (f *MQTTForwarder) Name() string { return "mqtt" }

func (f *MQTTForwarder) Forward(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(NewPayload(msg, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := f.client.Publish(f.topic, 1, false, body)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	case <-time.After(f.timeout):
		return fmt.Errorf("mqtt publish to %s: timed out after %s", f.topic, f.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", f.topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (f *MQTTForwarder) Close() error {
	f.client.Disconnect(250)
	return nil
}

// kafkaWriter is the part of *kafka.Writer used here
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder writes the JSON payload to a topic, keyed by sender
type KafkaForwarder struct {
	writer kafkaWriter
}

// NewKafkaForwarder creates a writer for topic on brokers
func NewKafkaForwarder(brokers []string, topic string) *KafkaForwarder {
	return &KafkaForwarder{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (f *KafkaForwarder) Name() string { return "kafka" }

func (f *KafkaForwarder) Forward(ctx context.Context, msg *Message) error {
	payload := NewPayload(msg, time.Now())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Sender),
		Value: body,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(payload.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

// logForwarder only logs, used with DRY_RUN
type logForwarder struct{}

func (logForwarder) Name() string { return "log" }

func (logForwarder) Forward(_ context.Context, msg *Message) error {
	slog.Info("DRY_RUN: Would forward SMS",
		"sender", msg.Sender,
		"timestamp", msg.FormatTimestamp(),
		"parts", msg.SegmentCount(),
		"text", msg.Text,
	)
	return nil
}

// retryPolicy is exponential backoff with a cap
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultRetry = retryPolicy{
	attempts:  10,
	baseDelay: 5 * time.Second,
	maxDelay:  5 * time.Minute,
}

// MultiForwarder delivers to every sink. A message counts as delivered only
// when all sinks accepted it. Sinks that already accepted a message are not
// called again when a later poll retries it.
type MultiForwarder struct {
	sinks []Forwarder
	retry retryPolicy

	mu        sync.Mutex
	delivered map[string]map[int]bool // delivery key -> indices of sinks that accepted
}

// NewMultiForwarder fans out to sinks with the default retry policy
func NewMultiForwarder(sinks ...Forwarder) *MultiForwarder {
	return &MultiForwarder{sinks: sinks, retry: defaultRetry, delivered: make(map[string]map[int]bool)}
}

func (m *MultiForwarder) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

func (m *MultiForwarder) Forward(ctx context.Context, msg *Message) error {
	key := deliveryKey(msg)

	m.mu.Lock()
	done := m.delivered[key]
	if done == nil {
		done = make(map[int]bool)
	}
	m.mu.Unlock()

	var errs []error
	for i, sink := range m.sinks {
		if done[i] {
			slog.Debug("Sink already has message, skipping", "sink", sink.Name(), "sender", msg.Sender)
			continue
		}
		if err := retryForward(ctx, sink, msg, m.retry); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		done[i] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(errs) == 0 {
		delete(m.delivered, key)
		return nil
	}
	m.delivered[key] = done
	return errors.Join(errs...)
}

// deliveryKey identifies a message across polls until it leaves modem storage
func deliveryKey(msg *Message) string {
	return fmt.Sprintf("%s|%d|%s", msg.Sender, msg.Timestamp.UnixNano(), msg.Text)
}

// Close closes every sink that holds a connection
func (m *MultiForwarder) Close() error {
	var errs []error
	for _, sink := range m.sinks {
		if c, ok := sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func retryForward(ctx context.Context, sink Forwarder, msg *Message, policy retryPolicy) error {
	delay := policy.baseDelay
	var err error

	for attempt := 1; attempt <= policy.attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		slog.Debug("Forwarding SMS", "sink", sink.Name(), "attempt", attempt)
		if err = sink.Forward(ctx, msg); err == nil {
			return nil
		}

		if attempt == policy.attempts {
			break
		}

		slog.Warn("Failed to forward SMS",
			"sink", sink.Name(),
			"attempt", attempt,
			"error", err,
			"next_retry_in", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > policy.maxDelay {
			delay = policy.maxDelay
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", policy.attempts, err)
}
