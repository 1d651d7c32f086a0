package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"e2ee-relay/pkg/constants"
	"e2ee-relay/pkg/env"
)

// Transport selects the push backbone the relay talks to
type Transport string

const (
	// TransportXMPP uses FCM CCS for both directions
	TransportXMPP Transport = "xmpp"
	// TransportXMPPHTTP receives over CCS and sends through the HTTP v1 API
	TransportXMPPHTTP Transport = "xmpp+fcmhttp"
	// TransportWebSocket is the loopback backbone for development
	TransportWebSocket Transport = "ws"
)

// Config holds the relay configuration
type Config struct {
	Transport Transport `mapstructure:"transport"`

	FCM      FCMConfig      `mapstructure:"fcm"`
	Firebase FirebaseConfig `mapstructure:"firebase"`
	Server   ServerConfig   `mapstructure:"server"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Log      LogConfig      `mapstructure:"log"`
}

// FCMConfig holds the CCS connection and device group settings
type FCMConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	SenderID       string `mapstructure:"sender_id"`
	ServerKey      string `mapstructure:"server_key"`
	Debug          bool   `mapstructure:"debug"`
	DeviceGroups   bool   `mapstructure:"device_groups"`
	DeviceGroupURL string `mapstructure:"device_group_url"`
}

// FirebaseConfig holds the service account used by the HTTP v1 sender
type FirebaseConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	ProjectID       string `mapstructure:"project_id"`
}

// ServerConfig holds the relay's own key material and envelope policy
type ServerConfig struct {
	// PrivateKey is base64 PKCS#8/PKCS#1 DER or PEM
	PrivateKey       string `mapstructure:"private_key"`
	RequireSignature bool   `mapstructure:"require_signature"`
	SignResponses    bool   `mapstructure:"sign_responses"`
}

// WorkersConfig sizes the packet worker pool
type WorkersConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

// RedisConfig holds the dedup store settings. Disabled means in-memory.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// OpsConfig holds the HTTP ops server settings
type OpsConfig struct {
	Port   int    `mapstructure:"port"`
	WSPath string `mapstructure:"ws_path"`
}

// LogConfig is passed to logger.Init
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// LoadConfig loads configuration from a YAML file and RELAY_* environment
// variables. An empty path looks for relay.yaml in the working directory.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Secrets may be mounted as files (RELAY_FCM_SERVER_KEY_FILE etc.)
	cfg.FCM.ServerKey = env.GetStringFromFile("RELAY_FCM_SERVER_KEY", cfg.FCM.ServerKey)
	cfg.Server.PrivateKey = env.GetStringFromFile("RELAY_SERVER_PRIVATE_KEY", cfg.Server.PrivateKey)
	cfg.Redis.Password = env.GetStringFromFile("RELAY_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Firebase.CredentialsJSON = env.GetStringFromFile("RELAY_FIREBASE_CREDENTIALS_JSON", cfg.Firebase.CredentialsJSON)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", string(TransportXMPP))

	v.SetDefault("fcm.host", constants.FCMXMPPHost)
	v.SetDefault("fcm.port", constants.FCMXMPPPort)
	v.SetDefault("fcm.sender_id", "")
	v.SetDefault("fcm.server_key", "")
	v.SetDefault("fcm.debug", false)
	v.SetDefault("fcm.device_groups", false)
	v.SetDefault("fcm.device_group_url", constants.FCMDeviceGroupURL)

	v.SetDefault("firebase.credentials_path", "")
	v.SetDefault("firebase.credentials_json", "")
	v.SetDefault("firebase.project_id", "")

	v.SetDefault("server.private_key", "")
	v.SetDefault("server.require_signature", false)
	v.SetDefault("server.sign_responses", true)

	v.SetDefault("workers.count", constants.DefaultWorkerCount)
	v.SetDefault("workers.queue_size", constants.DefaultQueueSize)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")
	v.SetDefault("redis.dedup_ttl", constants.DedupTTL.String())

	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.ws_path", "/ws")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")
}

// Validate checks the settings the relay cannot start without
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportXMPP, TransportXMPPHTTP:
		if c.FCM.SenderID == "" {
			errs = append(errs, errors.New("fcm.sender_id is required for the xmpp transport"))
		}
		if c.FCM.ServerKey == "" {
			errs = append(errs, errors.New("fcm.server_key is required for the xmpp transport"))
		}
		if c.Transport == TransportXMPPHTTP && c.Firebase.CredentialsPath == "" && c.Firebase.CredentialsJSON == "" {
			errs = append(errs, errors.New("firebase credentials are required for the xmpp+fcmhttp transport"))
		}
	case TransportWebSocket:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.FCM.DeviceGroups && (c.FCM.SenderID == "" || c.FCM.ServerKey == "") {
		errs = append(errs, errors.New("fcm.device_groups requires fcm.sender_id and fcm.server_key"))
	}
	if c.Server.PrivateKey == "" {
		errs = append(errs, errors.New("server.private_key is required"))
	}
	if c.Workers.Count < 1 {
		errs = append(errs, errors.New("workers.count must be at least 1"))
	}
	if c.Workers.QueueSize < 0 {
		errs = append(errs, errors.New("workers.queue_size must not be negative"))
	}
	if c.Redis.DedupTTL <= 0 {
		errs = append(errs, errors.New("redis.dedup_ttl must be positive"))
	}
	if c.Ops.Port < 0 || c.Ops.Port > 65535 {
		errs = append(errs, fmt.Errorf("ops.port %d out of range", c.Ops.Port))
	}

	return errors.Join(errs...)
}
