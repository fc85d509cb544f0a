package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tarm/serial"
	"github.com/urfave/cli/v2"
)

// ErrNoModemPort is returned when SERIAL_PORT=auto finds no modem
var ErrNoModemPort = errors.New("no GSM modem serial port found")

type Config struct {
	SerialPort string
	BaudRate   int
	LogLevel   slog.Level
	DryRun     bool // log instead of delivering, never delete from SIM

	ServerURL string
	APIKey    string

	TelegramToken string
	ChatIDs       []int64

	MQTT MQTTConfig

	KafkaBrokers []string
	KafkaTopic   string

	StatusAddr      string
	PollInterval    time.Duration
	CleanupInterval time.Duration
	PartTimeout     time.Duration
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	runCmd := &cli.Command{
		Name:   "run",
		Usage:  "Poll the modem and forward received SMS (configured from environment)",
		Action: runAction,
	}

	decodeCmd := &cli.Command{
		Name:      "decode",
		Usage:     "Decode SMS-DELIVER PDUs and print them as JSON",
		ArgsUsage: "<pdu> [pdu...]",
		Action:    decodeAction,
	}

	return &cli.App{
		Name:     "sms-relay",
		Usage:    "Forward SMS received by a GSM modem to HTTP, Telegram, MQTT and Kafka",
		Commands: []*cli.Command{runCmd, decodeCmd},
		Action:   runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Configuration error: %v", err), 1)
	}

	setupLogging(cfg.LogLevel)

	slog.Info("Starting SMS relay",
		"serial_port", cfg.SerialPort,
		"baud_rate", cfg.BaudRate,
		"dry_run", cfg.DryRun,
	)

	if err := run(c.Context, cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		return cli.Exit("", 1)
	}
	return nil
}

// decodedJSON is the offline rendering of a decoded message
type decodedJSON struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	SMSC      string `json:"smsc,omitempty"`
	Encoding  string `json:"encoding"`
	Parts     int    `json:"parts"`
	Sources   []int  `json:"sources"`
}

func decodeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("decode: at least one PDU is required", 2)
	}
	return decodePDUs(c.App.Writer, c.App.ErrWriter, c.Args().Slice())
}

// decodePDUs decodes pdus in order, reassembling concatenated messages.
// Argument positions serve as source IDs.
func decodePDUs(out, errOut io.Writer, pdus []string) error {
	concat := NewConcatenator(PartTimeout)
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)

	failed := 0
	for i, pdu := range pdus {
		msg, err := ParsePDU(pdu)
		if err != nil {
			fmt.Fprintf(errOut, "pdu %d: %v\n", i, err)
			failed++
			continue
		}
		msg.SourceID = i

		complete := concat.AddPart(msg)
		if complete == nil {
			continue
		}
		if err := enc.Encode(decodedJSON{
			Sender:    complete.Sender,
			Text:      complete.Text,
			Timestamp: complete.FormatTimestamp(),
			SMSC:      complete.SMSC,
			Encoding:  complete.Encoding.String(),
			Parts:     complete.SegmentCount(),
			Sources:   complete.Sources(),
		}); err != nil {
			return err
		}
	}

	if pending := concat.Pending(); pending > 0 {
		fmt.Fprintf(errOut, "%d multipart message(s) incomplete\n", pending)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d PDUs failed to decode", failed, len(pdus)), 1)
	}
	return nil
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		SerialPort: envOr("SERIAL_PORT", "/dev/ttyUSB0"),
		ServerURL:  os.Getenv("SERVER_URL"),
		APIKey:     os.Getenv("API_KEY"),
		KafkaTopic: envOr("KAFKA_TOPIC", "sms-inbox"),
		StatusAddr: os.Getenv("STATUS_ADDR"),
		DryRun:     os.Getenv("DRY_RUN") == "true" || os.Getenv("DRY_RUN") == "1",
		MQTT: MQTTConfig{
			Broker:   os.Getenv("MQTT_BROKER"),
			ClientID: envOr("MQTT_CLIENT_ID", "sms-relay"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
			Topic:    envOr("MQTT_TOPIC", "sms/inbox"),
		},
	}

	cfg.BaudRate = 115200
	if baudStr := os.Getenv("BAUD_RATE"); baudStr != "" {
		var err error
		cfg.BaudRate, err = strconv.Atoi(baudStr)
		if err != nil {
			return nil, fmt.Errorf("invalid BAUD_RATE %q: %w", baudStr, err)
		}
	}

	cfg.LogLevel = slog.LevelInfo
	if logLevelStr := os.Getenv("LOG_LEVEL"); logLevelStr != "" {
		switch strings.ToUpper(logLevelStr) {
		case "DEBUG":
			cfg.LogLevel = slog.LevelDebug
		case "INFO":
			cfg.LogLevel = slog.LevelInfo
		case "WARN", "WARNING":
			cfg.LogLevel = slog.LevelWarn
		case "ERROR":
			cfg.LogLevel = slog.LevelError
		default:
			return nil, fmt.Errorf("invalid LOG_LEVEL %q (use DEBUG, INFO, WARN, ERROR)", logLevelStr)
		}
	}

	durations := []struct {
		env  string
		dst  *time.Duration
		dflt time.Duration
	}{
		{"POLL_INTERVAL", &cfg.PollInterval, 10 * time.Second},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval, 60 * time.Second},
		{"PART_TIMEOUT", &cfg.PartTimeout, PartTimeout},
	}
	for _, d := range durations {
		*d.dst = d.dflt
		s := os.Getenv(d.env)
		if s == "" {
			continue
		}
		v, err := time.ParseDuration(s)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid %s %q: must be a positive duration like 30s", d.env, s)
		}
		*d.dst = v
	}

	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	chatIDsStr := os.Getenv("TELEGRAM_CHAT_IDS")
	for _, idStr := range strings.Split(chatIDsStr, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat ID %q: %w", idStr, err)
		}
		cfg.ChatIDs = append(cfg.ChatIDs, id)
	}
	if cfg.TelegramToken != "" && len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_IDS is required when TELEGRAM_BOT_TOKEN is set (comma-separated list)")
	}

	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	if !cfg.DryRun && cfg.ServerURL == "" && cfg.TelegramToken == "" &&
		cfg.MQTT.Broker == "" && len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("no delivery target: set SERVER_URL, TELEGRAM_BOT_TOKEN, MQTT_BROKER or KAFKA_BROKERS (or DRY_RUN=true)")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}

// buildForwarder connects every configured sink. The Telegram sink, when
// present, is also returned as the alert channel.
func buildForwarder(cfg *Config) (*MultiForwarder, Notifier, error) {
	if cfg.DryRun {
		slog.Warn("Running in DRY_RUN mode - messages will only be logged")
		return NewMultiForwarder(logForwarder{}), nil, nil
	}

	var sinks []Forwarder
	var alerts Notifier

	if cfg.ServerURL != "" {
		sinks = append(sinks, NewHTTPForwarder(cfg.ServerURL, cfg.APIKey, 30*time.Second))
	}
	if cfg.TelegramToken != "" {
		tg, err := NewTelegramForwarder(cfg.TelegramToken, cfg.ChatIDs)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Telegram bot initialized", "chat_ids", cfg.ChatIDs)
		sinks = append(sinks, tg)
		alerts = tg
	}
	if cfg.MQTT.Broker != "" {
		mq, err := NewMQTTForwarder(cfg.MQTT, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, mq)
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, NewKafkaForwarder(cfg.KafkaBrokers, cfg.KafkaTopic))
		slog.Info("Kafka writer configured", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	return NewMultiForwarder(sinks...), alerts, nil
}

func run(ctx context.Context, cfg *Config) error {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	forwarder, alerts, err := buildForwarder(cfg)
	if err != nil {
		return err
	}
	defer forwarder.Close()
	slog.Info("Delivery sinks ready", "sinks", forwarder.Name())

	notifier := NewErrorNotifier(alerts, hostname, 20*time.Second)

	gw := NewGateway(GatewayConfig{
		PollInterval:    cfg.PollInterval,
		CleanupInterval: cfg.CleanupInterval,
		DryRun:          cfg.DryRun,
	}, NewConcatenator(cfg.PartTimeout), forwarder)

	if cfg.StatusAddr != "" {
		go func() {
			if err := serveStatus(ctx, cfg.StatusAddr, gw); err != nil {
				slog.Error("Status server failed", "error", err)
			}
		}()
	}

	retryInterval := 30 * time.Second
	needReset := false

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context cancelled, exiting")
			return nil
		default:
		}

		err := runModemLoop(ctx, cfg, gw, notifier, needReset)
		if err == nil {
			return nil
		}

		var diagErr *DiagnosticError
		if errors.As(err, &diagErr) {
			slog.Error("Modem diagnostic error", "type", errorTypeName(diagErr.Type), "error", diagErr.Message)
			notifier.NotifyError(ctx, diagErr)
			needReset = diagErr.Type.NeedsReset()
			if needReset {
				slog.Info("Will perform modem reset on next attempt")
			}
		} else {
			slog.Error("Modem loop error", "error", err)
			needReset = false
		}

		slog.Info("Will retry modem connection", "retry_in", retryInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}

// runModemLoop opens the serial port, checks the modem and hands it to the gateway
func runModemLoop(ctx context.Context, cfg *Config, gw *Gateway, notifier *ErrorNotifier, needReset bool) error {
	portName := cfg.SerialPort
	if portName == "auto" {
		detected, err := detectSerialPort()
		if err != nil {
			return NewDiagnosticError(ErrTypeSerialPort, "Serial port auto-detection failed: %v", err)
		}
		slog.Info("Detected modem serial port", "port", detected)
		portName = detected
	}

	slog.Debug("Opening serial port", "port", portName, "baud", cfg.BaudRate)
	p, err := serial.OpenPort(&serial.Config{
		Name:        portName,
		Baud:        cfg.BaudRate,
		ReadTimeout: 500 * time.Millisecond,
	})
	if err != nil {
		return NewDiagnosticError(ErrTypeSerialPort,
			"Failed to open serial port %s: %v", portName, err)
	}
	defer p.Close()
	slog.Info("Serial port opened successfully")

	modem := NewModem(p, 5*time.Second)
	if needReset {
		modem.Reset()
	}

	slog.Info("Running modem diagnostics...")
	if diagErr := modem.Diagnose(); diagErr != nil {
		return diagErr
	}
	notifier.NotifyRecovery(ctx)

	if err := modem.SetPDUMode(); err != nil {
		slog.Warn("Failed to set PDU mode", "error", err)
	}
	if err := modem.SetStorage("SM"); err != nil {
		slog.Warn("Failed to set message storage", "error", err)
	}

	return gw.Run(ctx, modem)
}
