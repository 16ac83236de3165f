package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	StreamURL            string
	HeartbeatTimeoutMS   int
	ReconnectBaseMS      int
	ReconnectMaxMS       int
	ReconnectMaxAttempts int
	ResumeKey            string
	SnapshotOnStart      bool
	OpsAPIURL            string
	OpsAPIToken          string
	OpsAPITimeoutMS      int
	OpsAPIRetry          int
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	KafkaBrokers         []string
	KafkaClientID        string
	KafkaRetryMax        int
	KafkaWriteMS         int
	MirrorEnabled        bool
	MirrorTopic          string
	InfluxURL            string
	InfluxToken          string
	InfluxOrg            string
	InfluxBucket         string
	InfluxTimeoutMS      int
	TelemetryEnabled     bool
	OtelEnabled          bool
	OtelEndpoint         string
	OtelInsecure         bool
	OtelSampleRatio      float64
	SinkBuffer           int
	CORSAllowedOrigins   []string
	ActionRateRPS        float64
	ActionRateBurst      int
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}

func (c Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

func (c Config) OpsAPITimeout() time.Duration {
	return time.Duration(c.OpsAPITimeoutMS) * time.Millisecond
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                  envRaw,
		ServiceName:          serviceNameDefault,
		HTTPPort:             httpPortDefault,
		LogLevel:             "info",
		ConfigPath:           strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:     30000,
		StreamURL:            "",
		HeartbeatTimeoutMS:   15000,
		ReconnectBaseMS:      1000,
		ReconnectMaxMS:       30000,
		ReconnectMaxAttempts: 8,
		ResumeKey:            "ops:stream:last_event_id",
		SnapshotOnStart:      true,
		OpsAPITimeoutMS:      5000,
		OpsAPIRetry:          2,
		KafkaRetryMax:        5,
		KafkaWriteMS:         5000,
		MirrorTopic:          "ops.events.mirror",
		InfluxTimeoutMS:      5000,
		OtelInsecure:         true,
		OtelSampleRatio:      1.0,
		SinkBuffer:           1024,
		ActionRateRPS:        2,
		ActionRateBurst:      5,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if strings.TrimSpace(cfg.StreamURL) == "" {
		*problems = append(*problems, Problem{Field: "STREAM_URL", Message: "STREAM_URL is required"})
	}
	if cfg.HeartbeatTimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "STREAM_HEARTBEAT_TIMEOUT_MS", Message: "STREAM_HEARTBEAT_TIMEOUT_MS must be > 0"})
		cfg.HeartbeatTimeoutMS = 15000
	}
	if cfg.ReconnectBaseMS <= 0 {
		*problems = append(*problems, Problem{Field: "STREAM_RECONNECT_BASE_MS", Message: "STREAM_RECONNECT_BASE_MS must be > 0"})
		cfg.ReconnectBaseMS = 1000
	}
	if cfg.ReconnectMaxMS < cfg.ReconnectBaseMS {
		*problems = append(*problems, Problem{Field: "STREAM_RECONNECT_MAX_MS", Message: "STREAM_RECONNECT_MAX_MS must be >= STREAM_RECONNECT_BASE_MS"})
		cfg.ReconnectMaxMS = cfg.ReconnectBaseMS
	}
	if cfg.ReconnectMaxAttempts < 0 {
		*problems = append(*problems, Problem{Field: "STREAM_RECONNECT_MAX_ATTEMPTS", Message: "STREAM_RECONNECT_MAX_ATTEMPTS must be >= 0"})
		cfg.ReconnectMaxAttempts = 8
	}
	if cfg.OpsAPITimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "OPS_API_TIMEOUT_MS", Message: "OPS_API_TIMEOUT_MS must be > 0"})
		cfg.OpsAPITimeoutMS = 5000
	}
	if cfg.OpsAPIRetry < 0 {
		*problems = append(*problems, Problem{Field: "OPS_API_RETRY_MAX", Message: "OPS_API_RETRY_MAX must be >= 0"})
		cfg.OpsAPIRetry = 2
	}
	if cfg.RedisDB < 0 {
		*problems = append(*problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.KafkaRetryMax < 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.MirrorEnabled && len(cfg.KafkaBrokers) == 0 {
		*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required when MIRROR_ENABLED"})
	}
	if cfg.MirrorEnabled && strings.TrimSpace(cfg.MirrorTopic) == "" {
		*problems = append(*problems, Problem{Field: "MIRROR_TOPIC", Message: "MIRROR_TOPIC is required when MIRROR_ENABLED"})
	}
	if cfg.InfluxTimeoutMS <= 0 {
		*problems = append(*problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.TelemetryEnabled && (cfg.InfluxURL == "" || cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "") {
		*problems = append(*problems, Problem{Field: "INFLUX_URL", Message: "INFLUX_URL/INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required when TELEMETRY_ENABLED"})
	}
	if cfg.SinkBuffer <= 0 {
		*problems = append(*problems, Problem{Field: "SINK_BUFFER", Message: "SINK_BUFFER must be > 0"})
		cfg.SinkBuffer = 1024
	}
	if cfg.ActionRateRPS < 0 || cfg.ActionRateBurst < 0 {
		*problems = append(*problems, Problem{Field: "ACTION_RATE_LIMIT_RPS", Message: "ACTION_RATE_LIMIT_RPS and ACTION_RATE_LIMIT_BURST must be >= 0"})
		cfg.ActionRateRPS = 2
		cfg.ActionRateBurst = 5
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

// setter applies one raw value (env string or decoded JSON value) to cfg.
type setter func(cfg *Config, v any) bool

func stringSetter(dst func(*Config) *string) setter {
	return func(cfg *Config, v any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		*dst(cfg) = strings.TrimSpace(s)
		return true
	}
}

func intSetter(dst func(*Config) *int) setter {
	return func(cfg *Config, v any) bool {
		n, ok := asInt(v)
		if ok {
			*dst(cfg) = n
		}
		return ok
	}
}

func boolSetter(dst func(*Config) *bool) setter {
	return func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case bool:
			*dst(cfg) = t
			return true
		case string:
			b, ok := asBool(t)
			if ok {
				*dst(cfg) = b
			}
			return ok
		}
		return false
	}
}

func floatSetter(dst func(*Config) *float64) setter {
	return func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if ok {
			*dst(cfg) = f
		}
		return ok
	}
}

func csvSetter(dst func(*Config) *[]string) setter {
	return func(cfg *Config, v any) bool {
		switch t := v.(type) {
		case string:
			*dst(cfg) = parseCSV(t)
			return true
		case []any:
			*dst(cfg) = parseAnyCSV(t)
			return true
		}
		return false
	}
}

type field struct {
	key  string
	kind string
	set  setter
}

var fields = []field{
	{"SERVICE_NAME", "a string", stringSetter(func(c *Config) *string { return &c.ServiceName })},
	{"HTTP_PORT", "an integer", intSetter(func(c *Config) *int { return &c.HTTPPort })},
	{"LOG_LEVEL", "a string", stringSetter(func(c *Config) *string { return &c.LogLevel })},
	{"REQUEST_TIMEOUT_MS", "an integer", intSetter(func(c *Config) *int { return &c.RequestTimeoutMS })},
	{"STREAM_URL", "a string", stringSetter(func(c *Config) *string { return &c.StreamURL })},
	{"STREAM_HEARTBEAT_TIMEOUT_MS", "an integer", intSetter(func(c *Config) *int { return &c.HeartbeatTimeoutMS })},
	{"STREAM_RECONNECT_BASE_MS", "an integer", intSetter(func(c *Config) *int { return &c.ReconnectBaseMS })},
	{"STREAM_RECONNECT_MAX_MS", "an integer", intSetter(func(c *Config) *int { return &c.ReconnectMaxMS })},
	{"STREAM_RECONNECT_MAX_ATTEMPTS", "an integer", intSetter(func(c *Config) *int { return &c.ReconnectMaxAttempts })},
	{"RESUME_KEY", "a string", stringSetter(func(c *Config) *string { return &c.ResumeKey })},
	{"SNAPSHOT_ON_START", "a boolean", boolSetter(func(c *Config) *bool { return &c.SnapshotOnStart })},
	{"OPS_API_URL", "a string", stringSetter(func(c *Config) *string { return &c.OpsAPIURL })},
	{"OPS_API_TOKEN", "a string", stringSetter(func(c *Config) *string { return &c.OpsAPIToken })},
	{"OPS_API_TIMEOUT_MS", "an integer", intSetter(func(c *Config) *int { return &c.OpsAPITimeoutMS })},
	{"OPS_API_RETRY_MAX", "an integer", intSetter(func(c *Config) *int { return &c.OpsAPIRetry })},
	{"REDIS_ADDR", "a string", stringSetter(func(c *Config) *string { return &c.RedisAddr })},
	{"REDIS_PASSWORD", "a string", stringSetter(func(c *Config) *string { return &c.RedisPassword })},
	{"REDIS_DB", "an integer", intSetter(func(c *Config) *int { return &c.RedisDB })},
	{"KAFKA_BROKERS", "a list", csvSetter(func(c *Config) *[]string { return &c.KafkaBrokers })},
	{"KAFKA_CLIENT_ID", "a string", stringSetter(func(c *Config) *string { return &c.KafkaClientID })},
	{"KAFKA_RETRY_MAX", "an integer", intSetter(func(c *Config) *int { return &c.KafkaRetryMax })},
	{"KAFKA_WRITE_TIMEOUT_MS", "an integer", intSetter(func(c *Config) *int { return &c.KafkaWriteMS })},
	{"MIRROR_ENABLED", "a boolean", boolSetter(func(c *Config) *bool { return &c.MirrorEnabled })},
	{"MIRROR_TOPIC", "a string", stringSetter(func(c *Config) *string { return &c.MirrorTopic })},
	{"INFLUX_URL", "a string", stringSetter(func(c *Config) *string { return &c.InfluxURL })},
	{"INFLUX_TOKEN", "a string", stringSetter(func(c *Config) *string { return &c.InfluxToken })},
	{"INFLUX_ORG", "a string", stringSetter(func(c *Config) *string { return &c.InfluxOrg })},
	{"INFLUX_BUCKET", "a string", stringSetter(func(c *Config) *string { return &c.InfluxBucket })},
	{"INFLUX_TIMEOUT_MS", "an integer", intSetter(func(c *Config) *int { return &c.InfluxTimeoutMS })},
	{"TELEMETRY_ENABLED", "a boolean", boolSetter(func(c *Config) *bool { return &c.TelemetryEnabled })},
	{"OTEL_ENABLED", "a boolean", boolSetter(func(c *Config) *bool { return &c.OtelEnabled })},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", "a string", stringSetter(func(c *Config) *string { return &c.OtelEndpoint })},
	{"OTEL_EXPORTER_OTLP_INSECURE", "a boolean", boolSetter(func(c *Config) *bool { return &c.OtelInsecure })},
	{"OTEL_SAMPLE_RATIO", "a number", floatSetter(func(c *Config) *float64 { return &c.OtelSampleRatio })},
	{"SINK_BUFFER", "an integer", intSetter(func(c *Config) *int { return &c.SinkBuffer })},
	{"CORS_ALLOWED_ORIGINS", "a list", csvSetter(func(c *Config) *[]string { return &c.CORSAllowedOrigins })},
	{"ACTION_RATE_LIMIT_RPS", "a number", floatSetter(func(c *Config) *float64 { return &c.ActionRateRPS })},
	{"ACTION_RATE_LIMIT_BURST", "an integer", intSetter(func(c *Config) *int { return &c.ActionRateBurst })},
}

func applyEnv(cfg *Config, problems *[]Problem) {
	// PORT is honoured as a fallback for HTTP_PORT.
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
			applyField(cfg, field{"HTTP_PORT", "an integer", intSetter(func(c *Config) *int { return &c.HTTPPort })}, v, problems)
		}
	}
	for _, f := range fields {
		v := strings.TrimSpace(os.Getenv(f.key))
		if v == "" {
			continue
		}
		applyField(cfg, f, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		for _, f := range fields {
			if f.key == key {
				applyField(cfg, f, v, problems)
				break
			}
		}
	}
}

func applyField(cfg *Config, f field, v any, problems *[]Problem) {
	if !f.set(cfg, v) {
		*problems = append(*problems, Problem{Field: f.key, Message: fmt.Sprintf("%s must be %s", f.key, f.kind)})
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
