package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Provider *providerConfig
	Jobs     *jobsConfig
	Storage  *storageConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"orchestrator"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address                 string `envconfig:"ORCHESTRATOR_ADDRESS" default:":3443"`
	ProviderEndpointAddress string `envconfig:"ORCHESTRATOR_PROVIDER_ENDPOINT_ADDRESS" default:":7443"`
	LogLevel                string `envconfig:"ORCHESTRATOR_LOG_LEVEL" default:"info"`
	MigrationFolder         string `envconfig:"ORCHESTRATOR_MIGRATIONS_FOLDER" default:""`
	Auth                    Auth
}

type Auth struct {
	AuthenticationType string `envconfig:"ORCHESTRATOR_AUTH" default:""`
	JwtSecret          string `envconfig:"ORCHESTRATOR_JWT_SECRET" default:""`
	RefreshToken       string `envconfig:"ORCHESTRATOR_REFRESH_TOKEN" default:""`
}

type providerConfig struct {
	CommunicationTTL  time.Duration `envconfig:"ORCHESTRATOR_PROVIDER_COMMUNICATION_TTL" default:"15m"`
	ProductTTL        time.Duration `envconfig:"ORCHESTRATOR_PROVIDER_PRODUCT_TTL" default:"15m"`
	CallTimeout       time.Duration `envconfig:"ORCHESTRATOR_PROVIDER_CALL_TIMEOUT" default:"30s"`
	RetryAttempts     uint          `envconfig:"ORCHESTRATOR_PROVIDER_RETRY_ATTEMPTS" default:"3"`
	RetryDelay        time.Duration `envconfig:"ORCHESTRATOR_PROVIDER_RETRY_DELAY" default:"200ms"`
	RequestsPerSecond float64       `envconfig:"ORCHESTRATOR_PROVIDER_RPS" default:"50"`
	Burst             int           `envconfig:"ORCHESTRATOR_PROVIDER_BURST" default:"100"`
}

type jobsConfig struct {
	ExpiryTTL          time.Duration `envconfig:"ORCHESTRATOR_JOB_EXPIRY_TTL" default:"200h"`
	SweepInterval      time.Duration `envconfig:"ORCHESTRATOR_JOB_SWEEP_INTERVAL" default:"10m"`
	ReplayOnStart      bool          `envconfig:"ORCHESTRATOR_JOB_REPLAY_ON_START" default:"true"`
	ResultFolderName   string        `envconfig:"ORCHESTRATOR_JOB_RESULT_FOLDER" default:"Jobs"`
	ArchivePatterns    []string      `envconfig:"ORCHESTRATOR_JOB_ARCHIVE_PATTERNS" default:"**/*.tar.gz,**/*.tgz,**/*.zip"`
	ExtractArchives    bool          `envconfig:"ORCHESTRATOR_JOB_EXTRACT_ARCHIVES" default:"true"`
	FollowPollInterval time.Duration `envconfig:"ORCHESTRATOR_JOB_FOLLOW_POLL_INTERVAL" default:"1s"`
}

type storageConfig struct {
	Endpoint        string `envconfig:"ORCHESTRATOR_S3_ENDPOINT" default:""`
	Bucket          string `envconfig:"ORCHESTRATOR_S3_BUCKET" default:"orchestrator"`
	AccessKey       string `envconfig:"ORCHESTRATOR_S3_ACCESS_KEY" default:""`
	SecretAccessKey string `envconfig:"ORCHESTRATOR_S3_SECRET_KEY" default:""`
	UseSSL          bool   `envconfig:"ORCHESTRATOR_S3_USE_SSL" default:"false"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a configuration backed by an in-memory sqlite database.
func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type: "sqlite",
			Name: "file::memory:?cache=shared",
		},
		Service: &svcConfig{
			Address:                 ":3443",
			ProviderEndpointAddress: ":7443",
			LogLevel:                "info",
			Auth:                    Auth{AuthenticationType: "none"},
		},
		Provider: &providerConfig{
			CommunicationTTL:  15 * time.Minute,
			ProductTTL:        15 * time.Minute,
			CallTimeout:       5 * time.Second,
			RetryAttempts:     3,
			RetryDelay:        10 * time.Millisecond,
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
		Jobs: &jobsConfig{
			ExpiryTTL:          200 * time.Hour,
			SweepInterval:      10 * time.Minute,
			ReplayOnStart:      true,
			ResultFolderName:   "Jobs",
			ArchivePatterns:    []string{"**/*.tar.gz", "**/*.tgz", "**/*.zip"},
			ExtractArchives:    true,
			FollowPollInterval: 50 * time.Millisecond,
		},
		Storage: &storageConfig{
			Bucket: "orchestrator",
		},
	}
}
