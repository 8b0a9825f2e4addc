package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/pkg/errors"
)

var config *Config

// Config holds every configuration value of the campaign engine. Only this
// struct is used to read configuration; nothing else reads the environment
// directly.
type Config struct {
	AppEnv              string `env:"APP_ENV,default=dev"`
	AppName             string `env:"APP_NAME,default=campaign_engine"`
	AppDebug            bool   `env:"APP_DEBUG,default=false"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI,default=/metrics"`
	AppBaseUrl          string `env:"APP_BASE_URL,default=http://localhost:8000"`

	HttpListenAddr         string        `env:"HTTP_LISTEN_ADDR,default=:8000"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=10s"`
	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=10s"`
	// HttpHandlerTimeout has to cover a full synchronous send pass.
	HttpHandlerTimeout time.Duration `env:"HTTP_HANDLER_TIMEOUT,default=10m"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=campaign:"`

	PromNamespace string `env:"PROM_NAMESPACE,default=crm"`

	LogLevel string `env:"LOG_LEVEL"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string `env:"GOOGLE_REDIRECT_URI,default=http://localhost:8000/api/v1/oauth/callback"`
	// Override the Google endpoints, used to point at cmd/mockmail.
	GoogleAuthURL  string `env:"GOOGLE_AUTH_URL"`
	GoogleTokenURL string `env:"GOOGLE_TOKEN_URL"`
	GmailAPIBase   string `env:"GMAIL_API_BASE_URL,default=https://gmail.googleapis.com"`

	CredentialBackend string `env:"CREDENTIAL_BACKEND,default=file"`
	GmailTokenPath    string `env:"GMAIL_TOKEN_PATH,default=credentials/token.json"`
	CredentialKey     string `env:"CREDENTIAL_REDIS_KEY,default=gmail:credential"`

	OAuthSuccessRedirect string `env:"OAUTH_SUCCESS_REDIRECT,default=/?tab=email&oauth=success"`
	OAuthFailureRedirect string `env:"OAUTH_FAILURE_REDIRECT,default=/?tab=email&oauth=failed"`

	TrackingBaseURL string `env:"TRACKING_BASE_URL,default=http://localhost:8000"`

	CampaignDefaultGreeting string `env:"CAMPAIGN_DEFAULT_GREETING,default=Valued Customer"`

	MailTimeout          time.Duration `env:"MAIL_TIMEOUT,default=15s"`
	MailSendInterval     time.Duration `env:"MAIL_SEND_INTERVAL,default=100ms"`
	MailCircuitThreshold int           `env:"MAIL_CIRCUIT_THRESHOLD,default=5"`
	MailCircuitTimeout   time.Duration `env:"MAIL_CIRCUIT_TIMEOUT,default=30s"`

	SchedulerEnabled           bool          `env:"SCHEDULER_ENABLED,default=true"`
	SchedulerInterval          time.Duration `env:"SCHEDULER_INTERVAL,default=60s"`
	SchedulerLockTTL           time.Duration `env:"SCHEDULER_LOCK_TTL,default=10m"`
	SchedulerStaleSendingAfter time.Duration `env:"SCHEDULER_STALE_SENDING_AFTER,default=2h"`
	DispatchLockTTL            time.Duration `env:"DISPATCH_LOCK_TTL,default=2m"`
	DispatchProcessedTTL       time.Duration `env:"DISPATCH_PROCESSED_TTL,default=720h"`
	DispatchMaxAttempts        int           `env:"DISPATCH_MAX_ATTEMPTS,default=3"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration file "+path)
		}
	}

	_, err = env.UnmarshalFromEnviron(c)
	if err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}

	if err = c.validate(); err != nil {
		return err
	}

	config = c
	return nil
}

func (c *Config) validate() error {
	switch c.CredentialBackend {
	case "file", "redis":
	default:
		return errors.New("CREDENTIAL_BACKEND must be file or redis, got " + c.CredentialBackend)
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("SCHEDULER_INTERVAL must be positive")
	}
	if c.DispatchMaxAttempts <= 0 {
		return errors.New("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// Set replaces the loaded configuration. Used by tests and tools that build
// a Config by hand.
func Set(c *Config) {
	config = c
}
