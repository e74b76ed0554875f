package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKHAWK_QUEUE or TASKHAWK_AWS_REGION.
const EnvPrefix = "TASKHAWK"

type Consumer struct {
	NumMessages       int           // Maximum entries pulled per fetch
	VisibilityTimeout time.Duration // Visibility timeout / ack deadline requested on pull
	LoopCount         int           // Fetch cycles before returning; 0 runs until shutdown
	Concurrency       int           // Entries processed in parallel within one batch
	HeartbeatInterval time.Duration // 0 disables the heartbeat
	HTTPAddr          string        // /metrics and /healthz listener
}

type RetryState struct {
	Store    string        // none, memory, redis, postgres
	MaxTries int           // Deliveries before diverting to the dead-letter queue
	TTL      time.Duration // Expiry of shared counters
}

type AWS struct {
	Region         string
	AccountID      string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	SNSEndpoint    string // Override for localstack and similar
	SQSEndpoint    string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

type GCP struct {
	ProjectID       string
	CredentialsFile string
	Endpoint        string // Emulator or regional endpoint override
	PullTimeout     time.Duration
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. http://nsqd:4151, used by the depth monitor
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	Channel        string
	MsgTimeout     time.Duration
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Tracing struct {
	Enabled  bool
	Endpoint string
}

type Config struct {
	AppName    string
	Queue      string
	Provider   string // memory, nsq, aws, gcp
	Sync       bool
	Consumer   Consumer
	RetryState RetryState
	AWS        AWS
	GCP        GCP
	NSQ        NSQ
	Redis      Redis
	DB         DB
	Tracing    Tracing
}

var (
	validProviders = map[string]bool{"memory": true, "nsq": true, "aws": true, "gcp": true}
	validStores    = map[string]bool{"none": true, "memory": true, "redis": true, "postgres": true}
)

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal-style lookups.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "taskhawk")
	v.SetDefault("queue", "")
	v.SetDefault("provider", "memory")
	v.SetDefault("sync", false)

	v.SetDefault("consumer.num_messages", 10)
	v.SetDefault("consumer.visibility_timeout", 30*time.Second)
	v.SetDefault("consumer.loop_count", 0)
	v.SetDefault("consumer.concurrency", 1)
	v.SetDefault("consumer.heartbeat_interval", 0)
	v.SetDefault("consumer.http_addr", ":8083")

	v.SetDefault("retry_state.store", "none")
	v.SetDefault("retry_state.max_tries", 5)
	v.SetDefault("retry_state.ttl", 24*time.Hour)

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.account_id", "")
	v.SetDefault("aws.access_key", "")
	v.SetDefault("aws.secret_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.sns_endpoint", "")
	v.SetDefault("aws.sqs_endpoint", "")
	v.SetDefault("aws.connect_timeout", 2*time.Second)
	v.SetDefault("aws.read_timeout", 2*time.Second)

	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.endpoint", "")
	v.SetDefault("gcp.pull_timeout", 30*time.Second)

	v.SetDefault("nsq.nsqd_tcp_addr", "nsqd:4150")
	v.SetDefault("nsq.nsqd_http_addr", "http://nsqd:4151")
	v.SetDefault("nsq.lookup_http_addr", "http://nsqlookupd:4161")
	v.SetDefault("nsq.channel", "taskhawk")
	v.SetDefault("nsq.msg_timeout", time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.pass", "postgres")
	v.SetDefault("db.host", "postgres")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.name", "taskhawk")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
}

// Load reads settings from v after applying defaults and the TASKHAWK_
// environment mapping. A config file, if any, must already be set on v.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := Config{
		AppName:  v.GetString("app_name"),
		Queue:    v.GetString("queue"),
		Provider: strings.ToLower(v.GetString("provider")),
		Sync:     v.GetBool("sync"),
		Consumer: Consumer{
			NumMessages:       v.GetInt("consumer.num_messages"),
			VisibilityTimeout: v.GetDuration("consumer.visibility_timeout"),
			LoopCount:         v.GetInt("consumer.loop_count"),
			Concurrency:       v.GetInt("consumer.concurrency"),
			HeartbeatInterval: v.GetDuration("consumer.heartbeat_interval"),
			HTTPAddr:          v.GetString("consumer.http_addr"),
		},
		RetryState: RetryState{
			Store:    strings.ToLower(v.GetString("retry_state.store")),
			MaxTries: v.GetInt("retry_state.max_tries"),
			TTL:      v.GetDuration("retry_state.ttl"),
		},
		AWS: AWS{
			Region:         v.GetString("aws.region"),
			AccountID:      v.GetString("aws.account_id"),
			AccessKey:      v.GetString("aws.access_key"),
			SecretKey:      v.GetString("aws.secret_key"),
			SessionToken:   v.GetString("aws.session_token"),
			SNSEndpoint:    v.GetString("aws.sns_endpoint"),
			SQSEndpoint:    v.GetString("aws.sqs_endpoint"),
			ConnectTimeout: v.GetDuration("aws.connect_timeout"),
			ReadTimeout:    v.GetDuration("aws.read_timeout"),
		},
		GCP: GCP{
			ProjectID:       v.GetString("gcp.project_id"),
			CredentialsFile: v.GetString("gcp.credentials_file"),
			Endpoint:        v.GetString("gcp.endpoint"),
			PullTimeout:     v.GetDuration("gcp.pull_timeout"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    v.GetString("nsq.nsqd_tcp_addr"),
			NsqdHTTPAddr:   v.GetString("nsq.nsqd_http_addr"),
			LookupHTTPAddr: v.GetString("nsq.lookup_http_addr"),
			Channel:        v.GetString("nsq.channel"),
			MsgTimeout:     v.GetDuration("nsq.msg_timeout"),
		},
		Redis: Redis{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		DB: DB{
			User: v.GetString("db.user"),
			Pass: v.GetString("db.pass"),
			Host: v.GetString("db.host"),
			Port: v.GetString("db.port"),
			Name: v.GetString("db.name"),
		},
		Tracing: Tracing{
			Enabled:  v.GetBool("tracing.enabled"),
			Endpoint: v.GetString("tracing.endpoint"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Queue == "" {
		errs = append(errs, errors.New("queue must be set"))
	}
	if !validProviders[c.Provider] {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if !validStores[c.RetryState.Store] {
		errs = append(errs, fmt.Errorf("unknown retry state store %q", c.RetryState.Store))
	}
	if c.RetryState.Store != "none" && c.RetryState.MaxTries <= 0 {
		errs = append(errs, fmt.Errorf("retry_state.max_tries must be positive, got %d", c.RetryState.MaxTries))
	}
	if (c.RetryState.Store == "redis" || c.RetryState.Store == "postgres") && c.RetryState.TTL <= 0 {
		errs = append(errs, fmt.Errorf("retry_state.ttl must be positive, got %s", c.RetryState.TTL))
	}
	if c.Consumer.NumMessages <= 0 {
		errs = append(errs, fmt.Errorf("consumer.num_messages must be positive, got %d", c.Consumer.NumMessages))
	}
	if c.Consumer.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("consumer.concurrency must be positive, got %d", c.Consumer.Concurrency))
	}
	if c.Consumer.LoopCount < 0 {
		errs = append(errs, fmt.Errorf("consumer.loop_count must not be negative, got %d", c.Consumer.LoopCount))
	}
	if c.Consumer.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("consumer.heartbeat_interval must not be negative, got %s", c.Consumer.HeartbeatInterval))
	}
	if c.Provider == "aws" && c.AWS.AccountID == "" {
		errs = append(errs, errors.New("aws.account_id must be set for the aws provider"))
	}
	return errors.Join(errs...)
}

// DSN builds the Postgres connection string for the retry state store.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
