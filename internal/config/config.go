package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// Config holds all runtime configuration for the matching service.
type Config struct {
	Port     int
	LogLevel string

	// Instruments is parsed from INSTRUMENTS, e.g. "BTC-USD:100,ETH-USD",
	// where the optional suffix is the starting reference price.
	Instruments []domain.Instrument
	QueueDepth  int

	// DataDir holds the pebble journal and outbox. Empty keeps both in memory.
	DataDir string

	KafkaBrokers  []string
	CommandTopic  string
	EventTopic    string
	ConsumerGroup string

	RedisAddr string

	BroadcastInterval time.Duration
	BroadcastBatch    int
	VWAPWindow        time.Duration

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. A .env file in the working directory, when
// present, fills in variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	instruments, err := parseInstruments(getStr("INSTRUMENTS", "BTC-USD"))
	if err != nil {
		return nil, fmt.Errorf("invalid INSTRUMENTS: %w", err)
	}

	queueDepth, err := getInt("QUEUE_DEPTH", 1024)
	if err != nil {
		return nil, fmt.Errorf("invalid QUEUE_DEPTH: %w", err)
	}
	if queueDepth < 1 {
		return nil, fmt.Errorf("invalid QUEUE_DEPTH: %d, must be positive", queueDepth)
	}

	broadcastInterval, err := getDuration("BROADCAST_INTERVAL", 200*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid BROADCAST_INTERVAL: %w", err)
	}

	broadcastBatch, err := getInt("BROADCAST_BATCH", 500)
	if err != nil {
		return nil, fmt.Errorf("invalid BROADCAST_BATCH: %w", err)
	}

	vwapWindow, err := getDuration("VWAP_WINDOW", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid VWAP_WINDOW: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		Instruments:       instruments,
		QueueDepth:        queueDepth,
		DataDir:           getStr("DATA_DIR", ""),
		KafkaBrokers:      getList("KAFKA_BROKERS"),
		CommandTopic:      getStr("COMMAND_TOPIC", "ordermatch.commands"),
		EventTopic:        getStr("EVENT_TOPIC", "ordermatch.events"),
		ConsumerGroup:     getStr("CONSUMER_GROUP", "ordermatch"),
		RedisAddr:         getStr("REDIS_ADDR", ""),
		BroadcastInterval: broadcastInterval,
		BroadcastBatch:    broadcastBatch,
		VWAPWindow:        vwapWindow,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ShutdownTimeout:   shutdownTimeout,
	}, nil
}

// parseInstruments reads "ID[:reference],ID[:reference]...".
func parseInstruments(s string) ([]domain.Instrument, error) {
	var out []domain.Instrument
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, ref, hasRef := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty instrument id in %q", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("instrument %s listed twice", id)
		}
		seen[id] = true
		in := domain.Instrument{ID: id}
		if hasRef {
			ticks, err := domain.ParseTicks(strings.TrimSpace(ref))
			if err != nil || ticks <= 0 {
				return nil, fmt.Errorf("bad reference price %q for %s", ref, id)
			}
			in.ReferencePrice = ticks
		}
		out = append(out, in)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	return out, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated variable, dropping empty items.
func getList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
