package config

import (
	"os"
	"strings"
	"time"

	"msggate/tools"
	"msggate/tools/errs"

	"gopkg.in/yaml.v3"
)

const (
	CredentialBackendFile  = "file"
	CredentialBackendRedis = "redis"
)

// AppConfig 网关全部配置；YAML 文件（可选）先加载，环境变量覆盖
type AppConfig struct {
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // 媒体文件对外访问前缀
	APIKey        string `yaml:"apiKey"`        // 为空则不校验

	Credentials CredentialConfig `yaml:"credentials"`
	Media       MediaConfig      `yaml:"media"`
	Webhook     WebhookConfig    `yaml:"webhook"`
	Pacing      PacingConfig     `yaml:"pacing"`
	Transport   TransportConfig  `yaml:"transport"`
	Nats        NatsConfig       `yaml:"nats"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Log         LogConfig        `yaml:"log"`

	RestoreSessions     bool `yaml:"restoreSessions"`     // 启动时恢复所有已保存会话
	MessageCachePerChat int  `yaml:"messageCachePerChat"` // 每个会话的消息缓存上限
}

type CredentialConfig struct {
	Backend       string `yaml:"backend"` // file | redis
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
}

type MediaConfig struct {
	Dir string `yaml:"dir"`
}

type WebhookConfig struct {
	Secret     string        `yaml:"secret"`     // 全局 bootstrap secret，只签 session.created
	DefaultURL string        `yaml:"defaultUrl"` // 会话未配置 URL 时使用
	Timeout    time.Duration `yaml:"timeout"`
}

type PacingConfig struct {
	MinInterval  time.Duration `yaml:"minInterval"`
	Jitter       time.Duration `yaml:"jitter"`
	MaxPerMinute int           `yaml:"maxPerMinute"`
	WaitTimeout  time.Duration `yaml:"waitTimeout"` // HTTP 发送接口等待派发结果的上限
}

type TransportConfig struct {
	BridgeURL      string        `yaml:"bridgeUrl"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type NatsConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
	JetStream     bool   `yaml:"jetStream"` // 需要服务端已有覆盖该前缀的 stream
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	Topic           string   `yaml:"topic"`
	AutoCreateTopic bool     `yaml:"autoCreateTopic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() AppConfig {
	return AppConfig{
		Port:          8080,
		PublicBaseURL: "http://localhost:8080",
		Credentials: CredentialConfig{
			Backend: CredentialBackendFile,
			Dir:     "./data/credentials",
		},
		Media: MediaConfig{Dir: "./data/media"},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Pacing: PacingConfig{
			MinInterval:  1500 * time.Millisecond,
			Jitter:       1500 * time.Millisecond,
			MaxPerMinute: 20,
			WaitTimeout:  30 * time.Second,
		},
		Transport: TransportConfig{
			BridgeURL:      "ws://127.0.0.1:9100/bridge",
			ConnectTimeout: 20 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Nats:                NatsConfig{SubjectPrefix: "gateway.events"},
		Kafka:               KafkaConfig{Topic: "gateway-events"},
		Log:                 LogConfig{Level: "info"},
		MessageCachePerChat: 200,
	}
}

// Load 读取 CONFIG_FILE（可选）后应用环境变量
func Load() (AppConfig, error) {
	cfg := Default()
	if path := tools.GetEnv("CONFIG_FILE", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config file", "path", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errs.WrapMsg(err, "parse config file", "path", path)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(c *AppConfig) {
	c.Port = tools.GetEnvInt("PORT", c.Port)
	c.PublicBaseURL = strings.TrimRight(tools.GetEnv("PUBLIC_BASE_URL", c.PublicBaseURL), "/")
	c.APIKey = tools.GetEnv("API_KEY", c.APIKey)

	c.Credentials.Backend = strings.ToLower(tools.GetEnv("CREDENTIALS_BACKEND", c.Credentials.Backend))
	c.Credentials.Dir = tools.GetEnv("CREDENTIALS_DIR", c.Credentials.Dir)
	c.Credentials.RedisAddr = tools.GetEnv("REDIS_ADDR", c.Credentials.RedisAddr)
	c.Credentials.RedisPassword = tools.GetEnv("REDIS_PASSWORD", c.Credentials.RedisPassword)
	c.Credentials.RedisDB = tools.GetEnvInt("REDIS_DB", c.Credentials.RedisDB)

	c.Media.Dir = tools.GetEnv("MEDIA_DIR", c.Media.Dir)

	c.Webhook.Secret = tools.GetEnv("WEBHOOK_SECRET", c.Webhook.Secret)
	c.Webhook.DefaultURL = tools.GetEnv("DEFAULT_WEBHOOK_URL", c.Webhook.DefaultURL)
	c.Webhook.Timeout = tools.GetEnvDuration("WEBHOOK_TIMEOUT", c.Webhook.Timeout)

	c.Pacing.MinInterval = tools.GetEnvDuration("SEND_MIN_INTERVAL", c.Pacing.MinInterval)
	c.Pacing.Jitter = tools.GetEnvDuration("SEND_JITTER", c.Pacing.Jitter)
	c.Pacing.MaxPerMinute = tools.GetEnvInt("SEND_MAX_PER_MINUTE", c.Pacing.MaxPerMinute)
	c.Pacing.WaitTimeout = tools.GetEnvDuration("SEND_WAIT_TIMEOUT", c.Pacing.WaitTimeout)

	c.Transport.BridgeURL = tools.GetEnv("BRIDGE_URL", c.Transport.BridgeURL)
	c.Transport.ConnectTimeout = tools.GetEnvDuration("CONNECT_TIMEOUT", c.Transport.ConnectTimeout)
	c.Transport.RequestTimeout = tools.GetEnvDuration("TRANSPORT_REQUEST_TIMEOUT", c.Transport.RequestTimeout)

	c.Nats.URL = tools.GetEnv("NATS_URL", c.Nats.URL)
	c.Nats.SubjectPrefix = tools.GetEnv("NATS_SUBJECT_PREFIX", c.Nats.SubjectPrefix)
	c.Nats.JetStream = tools.GetEnvBool("NATS_JETSTREAM", c.Nats.JetStream)
	c.Kafka.Brokers = tools.GetEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = tools.GetEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.AutoCreateTopic = tools.GetEnvBool("KAFKA_AUTO_CREATE_TOPIC", c.Kafka.AutoCreateTopic)

	c.Log.Level = tools.GetEnv("LOG_LEVEL", c.Log.Level)
	c.Log.JSON = tools.GetEnvBool("LOG_JSON", c.Log.JSON)

	c.RestoreSessions = tools.GetEnvBool("RESTORE_SESSIONS", c.RestoreSessions)
	c.MessageCachePerChat = tools.GetEnvInt("MESSAGE_CACHE_PER_CHAT", c.MessageCachePerChat)
}

func (c AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errs.New("invalid port", "port", c.Port)
	}
	if c.Webhook.Secret == "" {
		return errs.New("WEBHOOK_SECRET is required")
	}
	switch c.Credentials.Backend {
	case CredentialBackendFile:
		if c.Credentials.Dir == "" {
			return errs.New("CREDENTIALS_DIR is required for the file backend")
		}
	case CredentialBackendRedis:
		if c.Credentials.RedisAddr == "" {
			return errs.New("REDIS_ADDR is required for the redis backend")
		}
	default:
		return errs.New("unsupported credentials backend", "backend", c.Credentials.Backend)
	}
	if c.Media.Dir == "" {
		return errs.New("MEDIA_DIR is required")
	}
	if c.Pacing.MinInterval < 0 || c.Pacing.Jitter < 0 || c.Pacing.MaxPerMinute < 0 {
		return errs.New("pacing parameters must not be negative")
	}
	return nil
}
