package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "RECEIPTSYNC"

	defaultHTTPAddress       = "127.0.0.1:7412"
	defaultDatabasePath      = "receiptsync.db"
	defaultLogLevel          = "info"
	defaultLogDir            = "logs"
	defaultLogRetentionDays  = 7
	defaultOutputDir         = "compressed"
	defaultInboxDir          = "inbox"
	defaultMaxDimension      = 1024
	defaultQuality           = 75
	defaultIntakeDebounce    = 500 * time.Millisecond
	defaultStorageBackend    = StorageMinio
	defaultStoragePrefix     = "receipts"
	defaultTicketTTL         = 15 * time.Minute
	defaultMinioRegion       = "us-east-1"
	defaultUploadAttempts    = 3
	defaultUploadBackoffBase = time.Second
	defaultQuotaRecheck      = time.Minute
	defaultProbeInterval     = 30 * time.Second
	defaultPermitIssuer      = "receiptsync-permits"
	defaultSessionIssuer     = "receiptsync-sessions"
	defaultGuestTier         = "guest"
	defaultGuestTotalLimit   = 30
	defaultGuestDailyRate    = 10
)

// Storage backends that can issue upload tickets.
const (
	StorageMinio = "minio"
	StorageGCS   = "gcs"
)

// AppConfig captures runtime configuration for the receiptsync daemon.
type AppConfig struct {
	DatabasePath string

	LogLevel         string
	LogDir           string
	LogRetentionDays int

	HTTPAddress        string
	HTTPAllowedOrigins []string

	OutputDir    string
	InboxDir     string
	MaxDimension int
	Quality      int

	WatchDir       string
	IntakeDebounce time.Duration

	Storage StorageConfig
	Minio   MinioConfig
	GCS     GCSConfig

	UploadMaxAttempts  int
	UploadBackoffBase  time.Duration
	UploadQuotaRecheck time.Duration

	ProbeURL      string
	ProbeInterval time.Duration

	PermitSigningSecret  string
	PermitIssuer         string
	SessionSigningSecret string
	SessionIssuer        string

	GuestTier       string
	GuestTotalLimit int64
	GuestDailyRate  int64
}

type StorageConfig struct {
	Backend   string
	Bucket    string
	Prefix    string
	TicketTTL time.Duration
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

type GCSConfig struct {
	CredentialsFile string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.dir", defaultLogDir)
	configViper.SetDefault("log.retention_days", defaultLogRetentionDays)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("capture.output_dir", defaultOutputDir)
	configViper.SetDefault("capture.inbox_dir", defaultInboxDir)
	configViper.SetDefault("capture.max_dimension", defaultMaxDimension)
	configViper.SetDefault("capture.quality", defaultQuality)
	configViper.SetDefault("intake.watch_dir", "")
	configViper.SetDefault("intake.debounce", defaultIntakeDebounce)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.bucket", "")
	configViper.SetDefault("storage.prefix", defaultStoragePrefix)
	configViper.SetDefault("storage.ticket_ttl", defaultTicketTTL)
	configViper.SetDefault("minio.endpoint", "")
	configViper.SetDefault("minio.access_key", "")
	configViper.SetDefault("minio.secret_key", "")
	configViper.SetDefault("minio.use_ssl", false)
	configViper.SetDefault("minio.region", defaultMinioRegion)
	configViper.SetDefault("gcs.credentials_file", "")
	configViper.SetDefault("upload.max_attempts", defaultUploadAttempts)
	configViper.SetDefault("upload.backoff_base", defaultUploadBackoffBase)
	configViper.SetDefault("upload.quota_recheck", defaultQuotaRecheck)
	configViper.SetDefault("network.probe_url", "")
	configViper.SetDefault("network.probe_interval", defaultProbeInterval)
	configViper.SetDefault("permits.signing_secret", "")
	configViper.SetDefault("permits.issuer", defaultPermitIssuer)
	configViper.SetDefault("identity.session_signing_secret", "")
	configViper.SetDefault("identity.session_issuer", defaultSessionIssuer)
	configViper.SetDefault("quota.guest_tier", defaultGuestTier)
	configViper.SetDefault("quota.guest_total_limit", defaultGuestTotalLimit)
	configViper.SetDefault("quota.guest_daily_rate", defaultGuestDailyRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogDir:             configViper.GetString("log.dir"),
		LogRetentionDays:   configViper.GetInt("log.retention_days"),
		HTTPAddress:        configViper.GetString("http.address"),
		HTTPAllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		OutputDir:          configViper.GetString("capture.output_dir"),
		InboxDir:           configViper.GetString("capture.inbox_dir"),
		MaxDimension:       configViper.GetInt("capture.max_dimension"),
		Quality:            configViper.GetInt("capture.quality"),
		WatchDir:           configViper.GetString("intake.watch_dir"),
		IntakeDebounce:     configViper.GetDuration("intake.debounce"),
		Storage: StorageConfig{
			Backend:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			Bucket:    configViper.GetString("storage.bucket"),
			Prefix:    configViper.GetString("storage.prefix"),
			TicketTTL: configViper.GetDuration("storage.ticket_ttl"),
		},
		Minio: MinioConfig{
			Endpoint:  configViper.GetString("minio.endpoint"),
			AccessKey: configViper.GetString("minio.access_key"),
			SecretKey: configViper.GetString("minio.secret_key"),
			UseSSL:    configViper.GetBool("minio.use_ssl"),
			Region:    configViper.GetString("minio.region"),
		},
		GCS: GCSConfig{
			CredentialsFile: configViper.GetString("gcs.credentials_file"),
		},
		UploadMaxAttempts:    configViper.GetInt("upload.max_attempts"),
		UploadBackoffBase:    configViper.GetDuration("upload.backoff_base"),
		UploadQuotaRecheck:   configViper.GetDuration("upload.quota_recheck"),
		ProbeURL:             configViper.GetString("network.probe_url"),
		ProbeInterval:        configViper.GetDuration("network.probe_interval"),
		PermitSigningSecret:  configViper.GetString("permits.signing_secret"),
		PermitIssuer:         configViper.GetString("permits.issuer"),
		SessionSigningSecret: configViper.GetString("identity.session_signing_secret"),
		SessionIssuer:        configViper.GetString("identity.session_issuer"),
		GuestTier:            configViper.GetString("quota.guest_tier"),
		GuestTotalLimit:      configViper.GetInt64("quota.guest_total_limit"),
		GuestDailyRate:       configViper.GetInt64("quota.guest_daily_rate"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both a real list and a comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("capture.output_dir is required")
	}
	if strings.TrimSpace(c.InboxDir) == "" {
		return fmt.Errorf("capture.inbox_dir is required")
	}
	if c.MaxDimension <= 0 {
		return fmt.Errorf("capture.max_dimension must be positive")
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("capture.quality must be between 1 and 100")
	}
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	switch c.Storage.Backend {
	case StorageMinio:
		if strings.TrimSpace(c.Minio.Endpoint) == "" {
			return fmt.Errorf("minio.endpoint is required")
		}
	case StorageGCS:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", StorageMinio, StorageGCS, c.Storage.Backend)
	}
	if c.UploadMaxAttempts <= 0 {
		return fmt.Errorf("upload.max_attempts must be positive")
	}
	if strings.TrimSpace(c.PermitSigningSecret) == "" {
		return fmt.Errorf("permits.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("identity.session_signing_secret is required")
	}
	if c.GuestTotalLimit < 0 || c.GuestDailyRate < 0 {
		return fmt.Errorf("quota guest limits must not be negative")
	}
	return nil
}
