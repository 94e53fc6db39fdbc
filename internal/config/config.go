package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	HTTPPort        string `mapstructure:"http_port"         validate:"required"`
	HTTPTimeout     int    `mapstructure:"http_timeout"`
	PublicBaseURL   string `mapstructure:"public_base_url"   validate:"required,url"`
	WebhookSecret   string `mapstructure:"webhook_secret"`
	WebhookMaxBytes int64  `mapstructure:"webhook_max_bytes"`
	UploadMaxBytes  int64  `mapstructure:"upload_max_bytes"`

	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	ProviderBaseURL               string `mapstructure:"provider_base_url"                validate:"required,url"`
	ProviderAPIKey                string `mapstructure:"provider_api_key"                 validate:"required"`
	ProviderCallPath              string `mapstructure:"provider_call_path"`
	ProviderPingPath              string `mapstructure:"provider_ping_path"`
	ProviderWebhookPath           string `mapstructure:"provider_webhook_path"`
	ProviderTimeout               int    `mapstructure:"provider_timeout"`
	ProviderRetryMaxAttempts      uint   `mapstructure:"provider_retry_max_attempts"`
	ProviderRetryBackoffMin       int    `mapstructure:"provider_retry_backoff_min"`
	ProviderRetryBackoffMax       int    `mapstructure:"provider_retry_backoff_max"`
	ProviderIntervalCB            uint32 `mapstructure:"provider_interval_cb"`
	ProviderConsecutiveFailuresCB uint32 `mapstructure:"provider_consecutive_failures_cb"`
	ProviderDefaultCountryCode    string `mapstructure:"provider_default_country_code"`

	DispatchBatchSize        int  `mapstructure:"dispatch_batch_size"`
	DispatchPoolSize         int  `mapstructure:"dispatch_pool_size"`
	DispatchRetryMaxAttempts uint `mapstructure:"dispatch_retry_max_attempts"`
	DispatchRetryDelay       int  `mapstructure:"dispatch_retry_delay"`
	DispatchRetryMaxDelay    int  `mapstructure:"dispatch_retry_max_delay"`
	DispatchDefaultCallDelay int  `mapstructure:"dispatch_default_call_delay"`
	DispatchStaleAfter       int  `mapstructure:"dispatch_stale_after"`
	DispatchRecoveryInterval int  `mapstructure:"dispatch_recovery_interval"`
	LeadDefaultMaxRetries    int  `mapstructure:"lead_default_max_retries"`
	LeadInsertBatchSize      int  `mapstructure:"lead_insert_batch_size"`

	PhoneCountryCodes   string `mapstructure:"phone_country_codes"`
	PhoneLocalMinDigits int    `mapstructure:"phone_local_min_digits"`

	EventPoolSize int `mapstructure:"event_pool_size"`

	KafkaEnabled               bool   `mapstructure:"kafka_enabled"`
	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required_if=KafkaEnabled true"`
	KafkaUsername              string `mapstructure:"kafka_username"                validate:"required_if=KafkaEnabled true"`
	KafkaPassword              string `mapstructure:"kafka_password"                validate:"required_if=KafkaEnabled true"`
	KafkaCallResultTopic       string `mapstructure:"kafka_call_result_topic"       validate:"required_if=KafkaEnabled true"`
	KafkaOpsErrorTopic         string `mapstructure:"kafka_ops_error_topic"         validate:"required_if=KafkaEnabled true"`
	KafkaEventConsumerEnabled  bool   `mapstructure:"kafka_event_consumer_enabled"`
	KafkaEventTopic            string `mapstructure:"kafka_event_topic"             validate:"required_if=KafkaEventConsumerEnabled true"`
	KafkaEventGroupID          string `mapstructure:"kafka_event_group_id"          validate:"required_if=KafkaEventConsumerEnabled true"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	MinioEnabled                bool   `mapstructure:"minio_enabled"`
	MinioEndpointURL            string `mapstructure:"minio_endpoint_url"              validate:"required_if=MinioEnabled true"`
	MinioAccessKey              string `mapstructure:"minio_access_key"                validate:"required_if=MinioEnabled true"`
	MinioSecretKey              string `mapstructure:"minio_secret_key"                validate:"required_if=MinioEnabled true"`
	MinioBucketName             string `mapstructure:"minio_bucket_name"               validate:"required_if=MinioEnabled true"`
	MinioSecure                 bool   `mapstructure:"minio_secure"`
	MinioPathPrefix             string `mapstructure:"minio_path_prefix"`
	MinioMaxRetryAttempts       uint   `mapstructure:"minio_max_retry_attempts"`
	MinioRetryBackoffMinSeconds int    `mapstructure:"minio_retry_backoff_min_seconds"`
	MinioRetryBackoffMaxSeconds int    `mapstructure:"minio_retry_backoff_max_seconds"`
	MinioTimeout                int    `mapstructure:"minio_timeout"`
	MinioIntervalCB             uint32 `mapstructure:"minio_interval_cb"`
	MinioConsecutiveFailuresCB  uint32 `mapstructure:"minio_consecutive_failures_cb"`

	DeadLetterPoolSize        int `mapstructure:"dead_letter_pool_size"`
	DeadLetterEventMaxRetries int `mapstructure:"deadletter_event_max_retries"`
	DeadLetterEventLimit      int `mapstructure:"deadletter_event_limit"`
	DeadLetterEventInterval   int `mapstructure:"deadletter_event_interval"`
	DeadLetterEventRetryDelay int `mapstructure:"deadletter_event_retry_delay"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

// Validation is left to Validate so packages importing config load in tests.
func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func Validate() error {
	return validator.New().Struct(&Conf)
}

// CountryCodes returns the configured dialing prefixes, most specific first.
func (c *Config) CountryCodes() []string {
	var codes []string

	for _, code := range strings.Split(c.PhoneCountryCodes, ",") {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}

	return codes
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	return viper.Unmarshal(cfg)
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("HTTP_TIMEOUT", "30")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("WEBHOOK_MAX_BYTES", "1048576")
	viper.SetDefault("UPLOAD_MAX_BYTES", "10485760")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("PROVIDER_CALL_PATH", "/call")
	viper.SetDefault("PROVIDER_PING_PATH", "/agent/all")
	viper.SetDefault("PROVIDER_WEBHOOK_PATH", "/api/v1/webhooks/provider")
	viper.SetDefault("PROVIDER_TIMEOUT", "30")
	viper.SetDefault("PROVIDER_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("PROVIDER_RETRY_BACKOFF_MIN", "1")
	viper.SetDefault("PROVIDER_RETRY_BACKOFF_MAX", "10")
	viper.SetDefault("PROVIDER_INTERVAL_CB", "30")
	viper.SetDefault("PROVIDER_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("PROVIDER_DEFAULT_COUNTRY_CODE", "91")
	viper.SetDefault("DISPATCH_BATCH_SIZE", "5")
	viper.SetDefault("DISPATCH_POOL_SIZE", "100")
	viper.SetDefault("DISPATCH_RETRY_MAX_ATTEMPTS", "3")
	viper.SetDefault("DISPATCH_RETRY_DELAY", "5")
	viper.SetDefault("DISPATCH_RETRY_MAX_DELAY", "60")
	viper.SetDefault("DISPATCH_DEFAULT_CALL_DELAY", "5")
	viper.SetDefault("DISPATCH_STALE_AFTER", "600")
	viper.SetDefault("DISPATCH_RECOVERY_INTERVAL", "60")
	viper.SetDefault("LEAD_DEFAULT_MAX_RETRIES", "3")
	viper.SetDefault("LEAD_INSERT_BATCH_SIZE", "500")
	viper.SetDefault("PHONE_COUNTRY_CODES", "91")
	viper.SetDefault("PHONE_LOCAL_MIN_DIGITS", "10")
	viper.SetDefault("EVENT_POOL_SIZE", "10")
	viper.SetDefault("KAFKA_ENABLED", "false")
	viper.SetDefault("KAFKA_EVENT_CONSUMER_ENABLED", "false")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("MINIO_ENABLED", "false")
	viper.SetDefault("MINIO_SECURE", "true")
	viper.SetDefault("MINIO_PATH_PREFIX", "events")
	viper.SetDefault("MINIO_MAX_RETRY_ATTEMPTS", "3")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MIN_SECONDS", "1")
	viper.SetDefault("MINIO_RETRY_BACKOFF_MAX_SECONDS", "10")
	viper.SetDefault("MINIO_TIMEOUT", "60")
	viper.SetDefault("MINIO_INTERVAL_CB", "300")
	viper.SetDefault("MINIO_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("DEAD_LETTER_POOL_SIZE", "3")
	viper.SetDefault("DEADLETTER_EVENT_MAX_RETRIES", "10")
	viper.SetDefault("DEADLETTER_EVENT_LIMIT", "100")
	viper.SetDefault("DEADLETTER_EVENT_INTERVAL", "1")
	viper.SetDefault("DEADLETTER_EVENT_RETRY_DELAY", "5")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}
