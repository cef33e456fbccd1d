package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Message   MessageConfig   `mapstructure:"message"`
	Media     MediaConfig     `mapstructure:"media"`
	Storage   StorageConfig   `mapstructure:"storage"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Production bool   `mapstructure:"production"`
}

type DatabaseConfig struct {
	// mysql | sqlite
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	Debug        bool   `mapstructure:"debug"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type WebSocketConfig struct {
	SendBufferSize int `mapstructure:"send_buffer_size"`

	WriteWaitSeconds int `mapstructure:"write_wait_seconds"`
	PongWaitSeconds  int `mapstructure:"pong_wait_seconds"`
	MaxMessageSize   int `mapstructure:"max_message_size"`
	// 重试相关配置
	MessageRetryCount      int `mapstructure:"message_retry_count"`
	MessageRetryIntervalMs int `mapstructure:"message_retry_interval_ms"`
}

type MessagingConfig struct {
	// channel | kafka
	Provider string      `mapstructure:"provider"`
	Kafka    KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	TopicPrefix    string   `mapstructure:"topic_prefix"`
	ConsumerGroup  string   `mapstructure:"consumer_group"`
	TranscodeTopic string   `mapstructure:"transcode_topic"`
}

type MessageConfig struct {
	MaxContentLength int           `mapstructure:"max_content_length"`
	EditWindow       time.Duration `mapstructure:"edit_window"`
	DeleteWindow     time.Duration `mapstructure:"delete_window"`
	PresenceTimeout  time.Duration `mapstructure:"presence_timeout"`
	InsertTimeout    time.Duration `mapstructure:"insert_timeout"`
	DefaultPageSize  int           `mapstructure:"default_page_size"`
	MaxPageSize      int           `mapstructure:"max_page_size"`

	// UnreadSettleDelay is how long after a conversation read the counter is recounted,
	// absorbing increments still in flight.
	UnreadSettleDelay time.Duration `mapstructure:"unread_settle_delay"`
}

type MediaConfig struct {
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	ImageMaxBytes      int64         `mapstructure:"image_max_bytes"`
	ImageCompressBytes int64         `mapstructure:"image_compress_bytes"`
	ImageMaxDimension  int           `mapstructure:"image_max_dimension"`
	VideoMaxBytes      int64         `mapstructure:"video_max_bytes"`
	AudioMaxBytes      int64         `mapstructure:"audio_max_bytes"`
	DocumentMaxBytes   int64         `mapstructure:"document_max_bytes"`
	ThumbnailMaxBytes  int           `mapstructure:"thumbnail_max_bytes"`
	MaxChunks          int           `mapstructure:"max_chunks"`
	MaxChunkBytes      int64         `mapstructure:"max_chunk_bytes"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	UploadTimeout      time.Duration `mapstructure:"upload_timeout"`
}

type StorageConfig struct {
	// local | s3 | gridfs
	Backend string        `mapstructure:"backend"`
	Local   LocalConfig   `mapstructure:"local"`
	S3      S3Config      `mapstructure:"s3"`
	GridFS  GridFSConfig  `mapstructure:"gridfs"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type LocalConfig struct {
	Path    string `mapstructure:"path"`
	BaseURL string `mapstructure:"base_url"`
}

type S3Config struct {
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
	PathStyle  bool   `mapstructure:"path_style"`
}

type GridFSConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	Bucket   string `mapstructure:"bucket"`
	BaseURL  string `mapstructure:"base_url"`
}

type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type RateLimitConfig struct {
	ChunksPerSecond float64 `mapstructure:"chunks_per_second"`
	Burst           int     `mapstructure:"burst"`
}

var GlobalConfig Config

func Init() error {
	return load("config")
}

// 测试用的配置文件
func InitTest() error {
	return load("config.test")
}

// Load reads a config file at an explicit path.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults without reading any file.
func Default() *Config {
	v := newViper()
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func load(name string) error {
	// 获取项目根目录
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(filepath.Dir(filepath.Dir(b)))

	v := newViper()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(basepath, "config"))
	v.AddConfigPath("config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&GlobalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.production", false)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.op_timeout", 50*time.Millisecond)

	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.write_wait_seconds", 10)
	v.SetDefault("websocket.pong_wait_seconds", 60)
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.message_retry_count", 3)
	v.SetDefault("websocket.message_retry_interval_ms", 100)

	v.SetDefault("messaging.provider", "channel")
	v.SetDefault("messaging.kafka.topic_prefix", "dm")
	v.SetDefault("messaging.kafka.consumer_group", "dm-relay")
	v.SetDefault("messaging.kafka.transcode_topic", "dm_media_transcode")

	v.SetDefault("message.max_content_length", 4096)
	v.SetDefault("message.edit_window", 15*time.Minute)
	v.SetDefault("message.delete_window", time.Hour)
	v.SetDefault("message.presence_timeout", 50*time.Millisecond)
	v.SetDefault("message.insert_timeout", 2*time.Second)
	v.SetDefault("message.default_page_size", 50)
	v.SetDefault("message.max_page_size", 200)
	v.SetDefault("message.unread_settle_delay", 500*time.Millisecond)

	v.SetDefault("media.workers", 4)
	v.SetDefault("media.queue_size", 256)
	v.SetDefault("media.image_max_bytes", 10<<20)
	v.SetDefault("media.image_compress_bytes", 5<<20)
	v.SetDefault("media.image_max_dimension", 2048)
	v.SetDefault("media.video_max_bytes", 2<<30)
	v.SetDefault("media.audio_max_bytes", 100<<20)
	v.SetDefault("media.document_max_bytes", 2<<30)
	v.SetDefault("media.thumbnail_max_bytes", 10<<10)
	v.SetDefault("media.max_chunks", 4096)
	v.SetDefault("media.max_chunk_bytes", 8<<20)
	v.SetDefault("media.session_idle_timeout", 10*time.Minute)
	v.SetDefault("media.sweep_interval", time.Minute)
	v.SetDefault("media.upload_timeout", 5*time.Minute)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.path", "uploads")
	v.SetDefault("storage.local.base_url", "/files")
	v.SetDefault("storage.gridfs.database", "dm_media")
	v.SetDefault("storage.gridfs.bucket", "attachments")
	v.SetDefault("storage.breaker.enabled", true)
	v.SetDefault("storage.breaker.max_requests", 1)
	v.SetDefault("storage.breaker.interval", time.Minute)
	v.SetDefault("storage.breaker.timeout", 30*time.Second)
	v.SetDefault("storage.breaker.failure_threshold", 5)

	v.SetDefault("ratelimit.chunks_per_second", 20)
	v.SetDefault("ratelimit.burst", 40)
}
