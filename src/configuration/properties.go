package configuration

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

type (
	Properties struct {
		LogLevel string `env:"LOG_LEVEL" envDefault:"DEBUG"`

		Auth     AuthProperties       `envPrefix:"AUTH_"`
		JWT      JWTProperties        `envPrefix:"JWT_"`
		S3       S3Properties         `envPrefix:"S3_"`
		Server   HttpServerProperties `envPrefix:"HTTP_"`
		MLServer MLServerProperties   `envPrefix:"ML_"`
		DB       DBProperties         `envPrefix:"DB_"`
		MQTT     MQTTProperties       `envPrefix:"MQTT_"`
	}

	// AuthProperties configures the optional external identity provider.
	// The OIDC flow is disabled while Host is empty.
	AuthProperties struct {
		Host        string        `env:"HOST"`
		ID          string        `env:"ID"`
		Secret      string        `env:"SECRET"`
		Redirect    string        `env:"REDIRECT_URL" envDefault:"http://localhost:8000/api/v1/auth/oidc/callback"`
		StateCookie string        `env:"STATE_COOKIE" envDefault:"mb_oauth_state"`
		ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`

		// Login attempts allowed per client address and window. Zero disables the limit.
		LoginLimit  int           `env:"LOGIN_LIMIT" envDefault:"5"`
		LoginWindow time.Duration `env:"LOGIN_WINDOW" envDefault:"60s"`
	}

	JWTProperties struct {
		Secret            string        `env:"SECRET"`
		Issuer            string        `env:"ISSUER" envDefault:"mindbridge"`
		AccessExpiration  time.Duration `env:"ACCESS_EXPIRATION" envDefault:"30m"`
		RefreshExpiration time.Duration `env:"REFRESH_EXPIRATION" envDefault:"168h"`
	}

	HttpServerProperties struct {
		Name         string        `env:"NAME" envDefault:"mindbridge"`
		Port         string        `env:"PORT" envDefault:"8000"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
		AllowOrigins []string      `env:"ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:8080"`
		Pprof        bool          `env:"PPROF" envDefault:"false"`
		MaxFileSize  int64         `env:"MAX_FILE_SIZE" envDefault:"5242880"`
	}

	MLServerProperties struct {
		Host           string        `env:"HOST" envDefault:"http://localhost:9090"`
		Timeout        time.Duration `env:"TIMEOUT" envDefault:"10s"`
		Retries        int           `env:"RETRIES" envDefault:"3"`
		RetryDelay     time.Duration `env:"RETRY_DELAY" envDefault:"250ms"`
		BreakerFails   int           `env:"BREAKER_FAILURES" envDefault:"3"`
		BreakerTimeout time.Duration `env:"BREAKER_RESET" envDefault:"30s"`
	}

	// S3Properties configures the frame archive. Archiving is off while Host is empty.
	S3Properties struct {
		Host        string        `env:"HOST"`
		AccessKey   string        `env:"ACCESS_KEY"`
		SecretKey   string        `env:"SECRET_KEY"`
		Bucket      string        `env:"BUCKET" envDefault:"frames"`
		UseSSL      bool          `env:"USE_SSL" envDefault:"true"`
		ReadTimeout time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	}

	// DBProperties selects the backend store. An empty URL keeps everything in memory.
	DBProperties struct {
		URL        string        `env:"URL"`
		PruneEvery time.Duration `env:"PRUNE_EVERY" envDefault:"1h"`
	}

	MQTTProperties struct {
		Broker   string `env:"BROKER"`
		ClientID string `env:"CLIENT_ID" envDefault:"mindbridge-server"`
		Topic    string `env:"TOPIC" envDefault:"mindbridge/users"`
		QoS      byte   `env:"QOS" envDefault:"0"`
	}
)

func ReadProperties() *Properties {
	config := &Properties{}

	if err := env.Parse(config); err != nil {
		panic(fmt.Errorf("read config error: %w", err))
	}
	return config
}

type (
	// AgentProperties configures the capture agent. Values come from defaults,
	// then an optional YAML file, then AGENT_* environment variables.
	AgentProperties struct {
		LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
		BaseURL  string `yaml:"base_url" env:"BASE_URL"`
		StoreDir string `yaml:"store_dir" env:"STORE_DIR"`

		Capture CaptureProperties `yaml:"capture" envPrefix:"CAPTURE_"`
		Queue   QueueProperties   `yaml:"queue" envPrefix:"QUEUE_"`
		Session SessionProperties `yaml:"session" envPrefix:"SESSION_"`
		Probe   ProbeProperties   `yaml:"probe" envPrefix:"PROBE_"`
	}

	CaptureProperties struct {
		Source            string        `yaml:"source" env:"SOURCE"`
		Interval          time.Duration `yaml:"interval" env:"INTERVAL"`
		JPEGQuality       int           `yaml:"jpeg_quality" env:"JPEG_QUALITY"`
		UploadTimeout     time.Duration `yaml:"upload_timeout" env:"UPLOAD_TIMEOUT"`
		AuthRedirectDelay time.Duration `yaml:"auth_redirect_delay" env:"AUTH_REDIRECT_DELAY"`
	}

	QueueProperties struct {
		MaxItems         int           `yaml:"max_items" env:"MAX_ITEMS"`
		MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
		DrainBatch       int           `yaml:"drain_batch" env:"DRAIN_BATCH"`
		RequeueOnFailure bool          `yaml:"requeue_on_failure" env:"REQUEUE_ON_FAILURE"`
		BaseBackoff      time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
		MaxBackoff       time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	}

	SessionProperties struct {
		RefreshInterval time.Duration `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	}

	ProbeProperties struct {
		Interval time.Duration `yaml:"interval" env:"INTERVAL"`
		Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	}
)

func DefaultAgentProperties() *AgentProperties {
	return &AgentProperties{
		LogLevel: "INFO",
		BaseURL:  "http://localhost:8000",
		StoreDir: ".mindbridge",
		Capture: CaptureProperties{
			Source:            "frames",
			Interval:          5 * time.Second,
			JPEGQuality:       80,
			UploadTimeout:     15 * time.Second,
			AuthRedirectDelay: 2 * time.Second,
		},
		Queue: QueueProperties{
			MaxItems:         100,
			MaxAttempts:      5,
			DrainBatch:       1,
			RequeueOnFailure: true,
			BaseBackoff:      time.Second,
			MaxBackoff:       5 * time.Minute,
		},
		Session: SessionProperties{
			RefreshInterval: 25 * time.Minute,
		},
		Probe: ProbeProperties{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
		},
	}
}

// ReadAgentProperties layers an optional YAML file and the environment over
// the defaults. An empty path skips the file.
func ReadAgentProperties(path string) (*AgentProperties, error) {
	config := DefaultAgentProperties()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}
	if err := env.Parse(config, env.Options{Prefix: "AGENT_"}); err != nil {
		return nil, fmt.Errorf("read agent env: %w", err)
	}
	return config, nil
}
