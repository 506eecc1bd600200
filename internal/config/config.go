// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file, and a .env file in
// the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigPathEnv = "CONFIG_FILE"

type Config struct {
	LogLevel     string             `yaml:"log_level" env:"LOG_LEVEL"`
	HTTP         HTTPConfig         `yaml:"http"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	SQLite       SQLiteConfig       `yaml:"sqlite"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Auth         AuthConfig         `yaml:"auth"`
	Locking      LockingConfig      `yaml:"locking"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Reservations ReservationsConfig `yaml:"reservations"`
	Stations     StationsConfig     `yaml:"stations"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"HTTP_ADDR"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" env:"GRPC_ADDR"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"POSTGRES_DSN"`
	MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" env:"SQLITE_PATH"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

type NATSConfig struct {
	URL     string `yaml:"url" env:"NATS_URL"`
	Subject string `yaml:"subject" env:"NATS_SUBJECT"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID    string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Username    string `yaml:"username" env:"MQTT_USERNAME"`
	Password    string `yaml:"password" env:"MQTT_PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
	QoS         uint8  `yaml:"qos" env:"MQTT_QOS"`
	// PublishTimeout caps the wait for a broker acknowledgement.
	PublishTimeout time.Duration `yaml:"publish_timeout" env:"MQTT_PUBLISH_TIMEOUT"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

type LockingConfig struct {
	// TTL is the Redis lease on a connector group lock. It must outlive a request.
	TTL        time.Duration `yaml:"ttl" env:"LOCK_TTL"`
	Backoff    time.Duration `yaml:"backoff" env:"LOCK_BACKOFF"`
	MaxBackoff time.Duration `yaml:"max_backoff" env:"LOCK_MAX_BACKOFF"`
	// Timeout bounds how long a request waits for a connector group lock.
	Timeout time.Duration `yaml:"timeout" env:"LOCK_TIMEOUT"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"OUTBOX_POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"OUTBOX_BATCH"`
	RetryMax     int           `yaml:"retry_max" env:"OUTBOX_RETRY_MAX"`
}

type ReservationsConfig struct {
	MaxNoteLength  int           `yaml:"max_note_length" env:"RESERVATIONS_MAX_NOTE_LENGTH"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"RESERVATIONS_IDEMPOTENCY_TTL"`
}

type StationsConfig struct {
	NearbyRadiusKM float64 `yaml:"nearby_radius_km" env:"STATIONS_NEARBY_RADIUS_KM"`
	NearbyLimit    int     `yaml:"nearby_limit" env:"STATIONS_NEARBY_LIMIT"`
	SeedFile       string  `yaml:"seed_file" env:"STATIONS_SEED_FILE"`
	GeoKey         string  `yaml:"geo_key" env:"STATIONS_GEO_KEY"`
}

type GatewayConfig struct {
	Addr        string  `yaml:"addr" env:"GATEWAY_ADDR"`
	UpstreamURL string  `yaml:"upstream_url" env:"RESERVATION_SERVICE_URL"`
	ReadRPS     float64 `yaml:"read_rps" env:"RATE_READ_RPS"`
	ReadBurst   float64 `yaml:"read_burst" env:"RATE_READ_BURST"`
	WriteRPS    float64 `yaml:"write_rps" env:"RATE_WRITE_RPS"`
	WriteBurst  float64 `yaml:"write_burst" env:"RATE_WRITE_BURST"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Addr: ":8080", RequestTimeout: 10 * time.Second},
		GRPC:     GRPCConfig{Addr: ":9090"},
		Postgres: PostgresConfig{MaxConns: 10},
		NATS:     NATSConfig{Subject: "reservations.events"},
		MQTT:     MQTTConfig{ClientID: "evreserve", TopicPrefix: "evreserve", QoS: 1, PublishTimeout: 2 * time.Second},
		Locking: LockingConfig{
			TTL:        15 * time.Second,
			Backoff:    10 * time.Millisecond,
			MaxBackoff: 200 * time.Millisecond,
			Timeout:    3 * time.Second,
		},
		Outbox:       OutboxConfig{PollInterval: 200 * time.Millisecond, BatchSize: 100, RetryMax: 3},
		Reservations: ReservationsConfig{MaxNoteLength: 500, IdempotencyTTL: 24 * time.Hour},
		Stations:     StationsConfig{NearbyRadiusKM: 5, NearbyLimit: 10, GeoKey: "stations:geo"},
		Gateway: GatewayConfig{
			Addr:        ":8088",
			UpstreamURL: "http://localhost:8080",
			ReadRPS:     50,
			ReadBurst:   100,
			WriteRPS:    10,
			WriteBurst:  20,
		},
	}
}

// Load reads .env, then the YAML file at path (or $CONFIG_FILE when path is
// empty), then environment overrides.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	cfg := Default()
	if path == "" {
		path = os.Getenv(defaultConfigPathEnv)
	}
	if path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := populateFromEnv(reflect.ValueOf(&cfg).Elem(), ""); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Reservations.MaxNoteLength <= 0 {
		errs = append(errs, errors.New("reservations.max_note_length must be positive"))
	}
	if c.Locking.TTL <= 0 {
		errs = append(errs, errors.New("locking.ttl must be positive"))
	} else if c.Locking.TTL <= c.HTTP.RequestTimeout {
		errs = append(errs, fmt.Errorf("locking.ttl (%s) must exceed http.request_timeout (%s)", c.Locking.TTL, c.HTTP.RequestTimeout))
	}
	if c.Stations.NearbyRadiusKM <= 0 || c.Stations.NearbyLimit <= 0 {
		errs = append(errs, errors.New("stations nearby radius and limit must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func loadFromFile(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := yaml.Unmarshal(expanded, target); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}

	return nil
}

func populateFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		fieldVal := v.Field(i)
		fieldType := t.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		rawKey := fieldType.Tag.Get("env")
		if rawKey == "-" {
			continue
		}

		var envKey string
		if rawKey != "" {
			envKey = normalizeKey("", rawKey)
		} else {
			envKey = normalizeKey(prefix, fieldType.Name)
		}

		if fieldVal.Kind() == reflect.Struct {
			if err := populateFromEnv(fieldVal, envKey); err != nil {
				return err
			}
			continue
		}

		if val, ok := os.LookupEnv(envKey); ok {
			if err := assign(fieldVal, val); err != nil {
				return fmt.Errorf("config: parse %s: %w", envKey, err)
			}
		}
	}
	return nil
}

func normalizeKey(prefix, key string) string {
	key = strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if prefix == "" {
		return key
	}
	return fmt.Sprintf("%s_%s", prefix, key)
}

var durationType = reflect.TypeOf(time.Duration(0))

func assign(field reflect.Value, value string) error {
	if field.Type() == durationType {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(parsed))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(parsed)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		parsed, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(parsed)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		parsed, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(parsed)
	case reflect.Float32, reflect.Float64:
		parsed, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(parsed)
	default:
		return fmt.Errorf("unsupported field type %s", field.Type().String())
	}
	return nil
}
