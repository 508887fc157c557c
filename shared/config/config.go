package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
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

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	OutboxScanSec     int
	OutboxBatchSize   int
	OutboxMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	// Dispatch policy. Thresholds and retry bounds are configuration, not
	// hard-coded behavior.
	AssignMaxAttempts   int
	AssignBackoffBaseMS int
	AssignBackoffMaxMS  int
	BatteryFloorPct     float64
	BatteryCostPerKm    float64
	HandlerMaxAttempts  int
	CASRetryMax         int
	DroneViewTTLSec     int

	RateLimitRPS   float64
	RateLimitBurst int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:              strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		ConfigPath:       strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS: 30000,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		AsynqQueue:       "default",
		AsynqConcurrency: 10,

		OutboxScanSec:     5,
		OutboxBatchSize:   50,
		OutboxMaxAttempts: 20,

		InfluxTimeoutMS: 5000,

		AssignMaxAttempts:   3,
		AssignBackoffBaseMS: 500,
		AssignBackoffMaxMS:  30000,
		BatteryFloorPct:     20,
		BatteryCostPerKm:    0.5,
		HandlerMaxAttempts:  5,
		CASRetryMax:         5,
		DroneViewTTLSec:     600,

		RateLimitRPS:   5,
		RateLimitBurst: 10,

		OtelEnabled:     false,
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := cfg.Env != ""

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, cfg.ConfigPath != ""); ok {
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
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.OutboxScanSec <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_SCAN_INTERVAL_SECONDS", Message: "OUTBOX_SCAN_INTERVAL_SECONDS must be > 0"})
		cfg.OutboxScanSec = 5
	}
	if cfg.OutboxBatchSize <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_BATCH_SIZE", Message: "OUTBOX_BATCH_SIZE must be > 0"})
		cfg.OutboxBatchSize = 50
	}
	if cfg.OutboxMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "OUTBOX_MAX_ATTEMPTS", Message: "OUTBOX_MAX_ATTEMPTS must be > 0"})
		cfg.OutboxMaxAttempts = 20
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.AssignMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "ASSIGN_MAX_ATTEMPTS", Message: "ASSIGN_MAX_ATTEMPTS must be > 0"})
		cfg.AssignMaxAttempts = 3
	}
	if cfg.AssignBackoffBaseMS <= 0 {
		problems = append(problems, Problem{Field: "ASSIGN_BACKOFF_BASE_MS", Message: "ASSIGN_BACKOFF_BASE_MS must be > 0"})
		cfg.AssignBackoffBaseMS = 500
	}
	if cfg.AssignBackoffMaxMS < cfg.AssignBackoffBaseMS {
		problems = append(problems, Problem{Field: "ASSIGN_BACKOFF_MAX_MS", Message: "ASSIGN_BACKOFF_MAX_MS must be >= ASSIGN_BACKOFF_BASE_MS"})
		cfg.AssignBackoffMaxMS = 30000
	}
	if cfg.BatteryFloorPct < 0 || cfg.BatteryFloorPct > 100 {
		problems = append(problems, Problem{Field: "BATTERY_FLOOR_PCT", Message: "BATTERY_FLOOR_PCT must be 0-100"})
		cfg.BatteryFloorPct = 20
	}
	if cfg.BatteryCostPerKm < 0 {
		problems = append(problems, Problem{Field: "BATTERY_COST_PER_KM", Message: "BATTERY_COST_PER_KM must be >= 0"})
		cfg.BatteryCostPerKm = 0.5
	}
	if cfg.HandlerMaxAttempts <= 0 {
		problems = append(problems, Problem{Field: "HANDLER_MAX_ATTEMPTS", Message: "HANDLER_MAX_ATTEMPTS must be > 0"})
		cfg.HandlerMaxAttempts = 5
	}
	if cfg.CASRetryMax <= 0 {
		problems = append(problems, Problem{Field: "CAS_RETRY_MAX", Message: "CAS_RETRY_MAX must be > 0"})
		cfg.CASRetryMax = 5
	}
	if cfg.DroneViewTTLSec <= 0 {
		problems = append(problems, Problem{Field: "DRONE_VIEW_TTL_SECONDS", Message: "DRONE_VIEW_TTL_SECONDS must be > 0"})
		cfg.DroneViewTTLSec = 600
	}
	if cfg.RateLimitRPS <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 5
	}
	if cfg.RateLimitBurst <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_BURST", Message: "RATE_LIMIT_BURST must be > 0"})
		cfg.RateLimitBurst = 10
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

// AssignBackoff returns the delay before retry attempt n of drone allocation,
// doubling from the configured base up to the configured cap.
func (c Config) AssignBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(c.AssignBackoffBaseMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= time.Duration(c.AssignBackoffMaxMS)*time.Millisecond {
			return time.Duration(c.AssignBackoffMaxMS) * time.Millisecond
		}
	}
	return delay
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

// applyConfigMap applies a JSON config file keyed by the same names as the
// environment variables. Environment variables still win (applyEnv runs
// after this).
func applyConfigMap(cfg *Config, data map[string]any, problems *[]Problem) {
	setString(data, "ENV", &cfg.Env)
	setString(data, "SERVICE_NAME", &cfg.ServiceName)
	setInt(data, "HTTP_PORT", &cfg.HTTPPort, problems)
	setString(data, "LOG_LEVEL", &cfg.LogLevel)
	setInt(data, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, problems)
	setString(data, "DATABASE_URL", &cfg.DatabaseURL)
	setInt(data, "DB_MAX_CONNS", &cfg.DBMaxConns, problems)
	setInt(data, "DB_MIN_CONNS", &cfg.DBMinConns, problems)
	setInt(data, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, problems)
	setInt(data, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, problems)
	if raw, ok := data["KAFKA_BROKERS"]; ok {
		switch v := raw.(type) {
		case string:
			cfg.KafkaBrokers = parseCSV(v)
		case []any:
			cfg.KafkaBrokers = parseAnyCSV(v)
		default:
			*problems = append(*problems, Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS must be a string or list"})
		}
	}
	setString(data, "KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	setString(data, "KAFKA_CONSUMER_GROUP", &cfg.KafkaGroupID)
	setInt(data, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, problems)
	setInt(data, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, problems)
	setString(data, "REDIS_ADDR", &cfg.RedisAddr)
	setString(data, "REDIS_PASSWORD", &cfg.RedisPassword)
	setInt(data, "REDIS_DB", &cfg.RedisDB, problems)
	setString(data, "ASYNQ_REDIS_ADDR", &cfg.AsynqRedisAddr)
	setString(data, "ASYNQ_REDIS_PASSWORD", &cfg.AsynqRedisPass)
	setInt(data, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, problems)
	setString(data, "ASYNQ_QUEUE", &cfg.AsynqQueue)
	setInt(data, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, problems)
	setInt(data, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec, problems)
	setInt(data, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize, problems)
	setInt(data, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts, problems)
	setString(data, "INFLUX_URL", &cfg.InfluxURL)
	setString(data, "INFLUX_TOKEN", &cfg.InfluxToken)
	setString(data, "INFLUX_ORG", &cfg.InfluxOrg)
	setString(data, "INFLUX_BUCKET", &cfg.InfluxBucket)
	setInt(data, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, problems)
	setInt(data, "ASSIGN_MAX_ATTEMPTS", &cfg.AssignMaxAttempts, problems)
	setInt(data, "ASSIGN_BACKOFF_BASE_MS", &cfg.AssignBackoffBaseMS, problems)
	setInt(data, "ASSIGN_BACKOFF_MAX_MS", &cfg.AssignBackoffMaxMS, problems)
	setFloat(data, "BATTERY_FLOOR_PCT", &cfg.BatteryFloorPct, problems)
	setFloat(data, "BATTERY_COST_PER_KM", &cfg.BatteryCostPerKm, problems)
	setInt(data, "HANDLER_MAX_ATTEMPTS", &cfg.HandlerMaxAttempts, problems)
	setInt(data, "CAS_RETRY_MAX", &cfg.CASRetryMax, problems)
	setInt(data, "DRONE_VIEW_TTL_SECONDS", &cfg.DroneViewTTLSec, problems)
	setFloat(data, "RATE_LIMIT_RPS", &cfg.RateLimitRPS, problems)
	setInt(data, "RATE_LIMIT_BURST", &cfg.RateLimitBurst, problems)
	setBool(data, "OTEL_ENABLED", &cfg.OtelEnabled, problems)
	setString(data, "OTEL_EXPORTER_ENDPOINT", &cfg.OtelEndpoint)
	setBool(data, "OTEL_INSECURE", &cfg.OtelInsecure, problems)
	setFloat(data, "OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio, problems)
}

func applyEnv(cfg *Config, problems *[]Problem) {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		cfg.ServiceName = v
	}

	portRaw := strings.TrimSpace(os.Getenv("HTTP_PORT"))
	if portRaw == "" {
		portRaw = strings.TrimSpace(os.Getenv("PORT"))
	}
	if portRaw != "" {
		if p, err := strconv.Atoi(portRaw); err != nil || p <= 0 || p > 65535 {
			*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		} else {
			cfg.HTTPPort = p
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	envInt(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS)
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	envInt(problems, "DB_MAX_CONNS", &cfg.DBMaxConns)
	envInt(problems, "DB_MIN_CONNS", &cfg.DBMinConns)
	envInt(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec)
	envInt(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec)
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")); v != "" {
		cfg.KafkaClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")); v != "" {
		cfg.KafkaGroupID = v
	}
	envInt(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax)
	envInt(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS)
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.RedisPassword = v
	}
	envInt(problems, "REDIS_DB", &cfg.RedisDB)
	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")); v != "" {
		cfg.AsynqRedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ASYNQ_REDIS_PASSWORD")); v != "" {
		cfg.AsynqRedisPass = v
	}
	envInt(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB)
	if v := strings.TrimSpace(os.Getenv("ASYNQ_QUEUE")); v != "" {
		cfg.AsynqQueue = v
	}
	envInt(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency)
	envInt(problems, "OUTBOX_SCAN_INTERVAL_SECONDS", &cfg.OutboxScanSec)
	envInt(problems, "OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	envInt(problems, "OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	if v := strings.TrimSpace(os.Getenv("INFLUX_URL")); v != "" {
		cfg.InfluxURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_TOKEN")); v != "" {
		cfg.InfluxToken = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_ORG")); v != "" {
		cfg.InfluxOrg = v
	}
	if v := strings.TrimSpace(os.Getenv("INFLUX_BUCKET")); v != "" {
		cfg.InfluxBucket = v
	}
	envInt(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS)
	envInt(problems, "ASSIGN_MAX_ATTEMPTS", &cfg.AssignMaxAttempts)
	envInt(problems, "ASSIGN_BACKOFF_BASE_MS", &cfg.AssignBackoffBaseMS)
	envInt(problems, "ASSIGN_BACKOFF_MAX_MS", &cfg.AssignBackoffMaxMS)
	envFloat(problems, "BATTERY_FLOOR_PCT", &cfg.BatteryFloorPct)
	envFloat(problems, "BATTERY_COST_PER_KM", &cfg.BatteryCostPerKm)
	envInt(problems, "HANDLER_MAX_ATTEMPTS", &cfg.HandlerMaxAttempts)
	envInt(problems, "CAS_RETRY_MAX", &cfg.CASRetryMax)
	envInt(problems, "DRONE_VIEW_TTL_SECONDS", &cfg.DroneViewTTLSec)
	envFloat(problems, "RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	envInt(problems, "RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	envBool(problems, "OTEL_ENABLED", &cfg.OtelEnabled)
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_ENDPOINT")); v != "" {
		cfg.OtelEndpoint = v
	}
	envBool(problems, "OTEL_INSECURE", &cfg.OtelInsecure)
	envFloat(problems, "OTEL_SAMPLE_RATIO", &cfg.OtelSampleRatio)
}

func envInt(problems *[]Problem, key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
		return
	}
	*dst = n
}

func envFloat(problems *[]Problem, key string, dst *float64) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
		return
	}
	*dst = f
}

func envBool(problems *[]Problem, key string, dst *bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	b, ok := asBool(v)
	if !ok {
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
		return
	}
	*dst = b
}

func setString(data map[string]any, key string, dst *string) {
	if v, ok := readStringKey(data, key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(data map[string]any, key string, dst *int, problems *[]Problem) {
	raw, ok := data[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			return
		}
		*dst = n
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			return
		}
		*dst = n
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
	}
}

func setFloat(data map[string]any, key string, dst *float64, problems *[]Problem) {
	raw, ok := data[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			return
		}
		*dst = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			return
		}
		*dst = f
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
	}
}

func setBool(data map[string]any, key string, dst *bool, problems *[]Problem) {
	raw, ok := data[key]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case bool:
		*dst = v
	case string:
		b, bok := asBool(v)
		if !bok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			return
		}
		*dst = b
	default:
		*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
	}
}

func readStringKey(data map[string]any, key string) (string, bool) {
	raw, ok := data[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func asBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
