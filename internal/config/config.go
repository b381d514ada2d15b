package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/oclonee/omnichanel-clinic/internal/broker"
	"github.com/oclonee/omnichanel-clinic/internal/storage"
	"github.com/oclonee/omnichanel-clinic/internal/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the desk server
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	SkipAuth   bool
	VerifyJWT  bool
	OIDCIssuer string

	QueueSweepInterval   time.Duration
	SLATickInterval      time.Duration
	AgentRefreshInterval time.Duration
	StatusPushInterval   time.Duration
	AgentStaleAfter      time.Duration

	SLA   types.SLAConfig
	Store storage.Config

	// AMQP.URL empty disables the broker
	AMQP         broker.Config
	AMQPChannels []types.ChannelType

	// KafkaBrokers empty disables the event stream
	KafkaBrokers []string
	KafkaTopic   string

	ChannelSendTimeout time.Duration
	NotifyBuffer       int
}

// Load reads .env, then the optional YAML file named by DESK_CONFIG_FILE,
// then the environment. Values already in the environment win over both
// files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	if path := os.Getenv("DESK_CONFIG_FILE"); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		OIDCIssuer:     getEnv("OIDC_ISSUER", ""),
		Store:          storage.LoadConfig(),
		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "desk.events"),
		AMQP: broker.Config{
			URL:          getEnv("AMQP_URL", ""),
			Exchange:     getEnv("AMQP_EXCHANGE", "desk.events"),
			InboundQueue: getEnv("AMQP_INBOUND_QUEUE", "desk.inbound"),
			Producer:     getEnv("AMQP_PRODUCER", "omnichannel-desk"),
		},
	}

	var err error
	if cfg.SkipAuth, err = parseBool("SKIP_AUTH", "false"); err != nil {
		return nil, err
	}
	if cfg.VerifyJWT, err = parseBool("VERIFY_JWT", "false"); err != nil {
		return nil, err
	}

	durations := []struct {
		key   string
		def   string
		field *time.Duration
	}{
		{"QUEUE_SWEEP_INTERVAL", "30s", &cfg.QueueSweepInterval},
		{"SLA_TICK_INTERVAL", "1m", &cfg.SLATickInterval},
		{"AGENT_REFRESH_INTERVAL", "30s", &cfg.AgentRefreshInterval},
		{"STATUS_PUSH_INTERVAL", "2s", &cfg.StatusPushInterval},
		{"AGENT_STALE_AFTER", "90s", &cfg.AgentStaleAfter},
		{"CHANNEL_SEND_TIMEOUT", "10s", &cfg.ChannelSendTimeout},
	}
	for _, d := range durations {
		if *d.field, err = parseDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	sla := types.DefaultSLAConfig()
	if sla.ResponseTime, err = parseDuration("SLA_RESPONSE_TIME", sla.ResponseTime.String()); err != nil {
		return nil, err
	}
	if sla.ResolutionTime, err = parseDuration("SLA_RESOLUTION_TIME", sla.ResolutionTime.String()); err != nil {
		return nil, err
	}
	if sla.EscalationTime, err = parseDuration("SLA_ESCALATION_TIME", sla.EscalationTime.String()); err != nil {
		return nil, err
	}
	if sla.AutoResponse, err = parseBool("SLA_AUTO_RESPONSE", strconv.FormatBool(sla.AutoResponse)); err != nil {
		return nil, err
	}
	sla.AutoResponseMessage = getEnv("SLA_AUTO_RESPONSE_MESSAGE", sla.AutoResponseMessage)
	cfg.SLA = sla

	if cfg.NotifyBuffer, err = strconv.Atoi(getEnv("NOTIFY_BUFFER", "1024")); err != nil {
		return nil, fmt.Errorf("invalid NOTIFY_BUFFER: %w", err)
	}

	for _, name := range splitList(getEnv("AMQP_CHANNELS", "")) {
		t := types.ChannelType(name)
		if !t.Valid() {
			return nil, fmt.Errorf("invalid AMQP_CHANNELS entry %q", name)
		}
		cfg.AMQPChannels = append(cfg.AMQPChannels, t)
	}

	return cfg, nil
}

// applyFile exports the YAML file's keys as environment variables that are
// not already set. Nested maps flatten with underscores, so
//
//	sla:
//	  response_time: 3m
//
// becomes SLA_RESPONSE_TIME=3m.
func applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string)
	flatten("", doc, values)
	for key, value := range values {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to apply %s: %w", key, err)
		}
	}
	return nil
}

func flatten(prefix string, node map[string]interface{}, out map[string]string) {
	for k, v := range node {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch val := v.(type) {
		case map[string]interface{}:
			flatten(key, val, out)
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, fmt.Sprint(item))
			}
			out[key] = strings.Join(parts, ",")
		case nil:
		default:
			out[key] = fmt.Sprint(val)
		}
	}
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseBool(key, def string) (bool, error) {
	b, err := strconv.ParseBool(getEnv(key, def))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
