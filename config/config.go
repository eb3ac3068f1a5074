package config

import (
	"os"
	"path"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type" env:"TYPE"` // postgres or sqlite
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Name     string `yaml:"name" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Passwd   string `yaml:"passwd" env:"PWD"`
	MaxConn  int    `yaml:"max_conn" env:"MAX_CONN"`
	IdleConn int    `yaml:"idle_conn" env:"IDLE_CONN"`
	Debug    bool   `yaml:"debug" env:"DEBUG"`
}

// SysConfig System Configuration
type SysConfig struct {
	Appid    string `yaml:"appid" env:"APPID"`
	Location string `yaml:"location" env:"LOCATION"`
	Workdir  string `yaml:"workdir" env:"WORKDIR"`
	Debug    bool   `yaml:"debug" env:"DEBUG"`
}

// WebConfig Web Configuration
type WebConfig struct {
	Host      string `yaml:"host" env:"HOST"`
	Port      int    `yaml:"port" env:"PORT"`
	JwtSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" env:"MODE"`
	FileEnable bool   `yaml:"file_enable" env:"FILE_ENABLE"`
	Filename   string `yaml:"filename" env:"FILENAME"`
}

// SessionConfig controls instance session handling.
type SessionConfig struct {
	// EncryptionKey is either 64 hex characters (raw AES-256 key) or a
	// passphrase that gets stretched with HKDF.
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
	MaxRetries    int    `yaml:"max_retries" env:"MAX_RETRIES"`
}

type QueueConfig struct {
	Path                 string        `yaml:"path" env:"PATH"`
	SendConcurrency      int           `yaml:"send_concurrency" env:"SEND_CONCURRENCY"`
	SendRate             float64       `yaml:"send_rate" env:"SEND_RATE"`
	ScheduledConcurrency int           `yaml:"scheduled_concurrency" env:"SCHEDULED_CONCURRENCY"`
	FollowupConcurrency  int           `yaml:"followup_concurrency" env:"FOLLOWUP_CONCURRENCY"`
	MaxAttempts          int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff              time.Duration `yaml:"backoff" env:"BACKOFF"`
}

type SchedulerConfig struct {
	DispatchInterval string `yaml:"dispatch_interval" env:"DISPATCH_INTERVAL"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" envPrefix:"WADESK_SYSTEM_"`
	Web       WebConfig       `yaml:"web" envPrefix:"WADESK_WEB_"`
	Database  DBConfig        `yaml:"database" envPrefix:"WADESK_DB_"`
	Logger    LogConfig       `yaml:"logger" envPrefix:"WADESK_LOGGER_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"WADESK_SESSION_"`
	Queue     QueueConfig     `yaml:"queue" envPrefix:"WADESK_QUEUE_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"WADESK_SCHEDULER_"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "wadesk",
		Location: "UTC",
		Workdir:  "/var/wadesk",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 3000,
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "wadesk",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/wadesk/logs/wadesk.log",
	},
	Session: SessionConfig{
		MaxRetries: 5,
	},
	Queue: QueueConfig{
		SendConcurrency:      5,
		SendRate:             10,
		ScheduledConcurrency: 3,
		FollowupConcurrency:  2,
		MaxAttempts:          3,
		Backoff:              2 * time.Second,
	},
	Scheduler: SchedulerConfig{
		DispatchInterval: "@every 30s",
	},
}

// LoadConfig reads the yaml file (when present) over the defaults and then
// applies WADESK_* environment overrides.
func LoadConfig(cfile string) (*AppConfig, error) {
	cfg := *DefaultAppConfig
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", cfile)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", cfile)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = path.Join(cfg.GetDataDir(), "queue.db")
	}
	cfg.initDirs()
	return &cfg, nil
}
