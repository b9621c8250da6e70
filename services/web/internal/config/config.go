package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-envconfig"

	"regserv/pkg/s3"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds runtime configuration for regserv and regservctl.
type Config struct {
	Addr         string        `env:"REGSERV_ADDR,default=127.0.0.1:9667"`
	BaseURL      string        `env:"REGSERV_URL,default=https://regserv.ndlug.org"`
	ChatURL      string        `env:"REGSERV_CHAT_URL,default=https://chat.ndlug.org"`
	Network      string        `env:"REGSERV_NETWORK,default=chat.ndlug.org"`
	TokenTTL     time.Duration `env:"REGSERV_TOKEN_TTL,default=1h"`
	Store        string        `env:"REGSERV_STORE,default=file"`
	SnapshotPath string        `env:"REGSERV_SNAPSHOT_PATH,default=data/RegServ.json"`
	DBDSN        string        `env:"REGSERV_DB_DSN"`
	FormRate     int           `env:"REGSERV_FORM_RATE,default=30"`
	Debug        bool          `env:"REGSERV_DEBUG,default=false"`
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	NATSURL        string   `env:"NATS_URL"`

	IRC    IRC
	Mail   Mail
	Lounge Lounge
	Backup Backup
}

// IRC configures the directory connection and the operator it acts as.
type IRC struct {
	Host         string        `env:"IRC_HOST,default=localhost"`
	Port         int           `env:"IRC_PORT,default=6667"`
	TLS          bool          `env:"IRC_TLS,default=false"`
	StageTimeout time.Duration `env:"IRC_STAGE_TIMEOUT,default=10s"`
	Profile      string        `env:"IRC_PROFILE"`
	Operator     string        `env:"OPER_NICKNAME"`
	Password     string        `env:"OPER_PASSWORD"`
}

// Addr joins Host and Port.
func (c IRC) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Mail configures the msmtp invocation.
type Mail struct {
	Command string        `env:"MSMTP_COMMAND,default=msmtp"`
	Config  string        `env:"MSMTP_CONFIG,default=configs/msmtprc"`
	Timeout time.Duration `env:"MAIL_TIMEOUT,default=30s"`
}

// Lounge configures the web chat account store.
type Lounge struct {
	Enabled bool `env:"LOUNGE_ENABLED,default=true"`
	// Command overrides the docker exec prefix built from UID and GID.
	Command string        `env:"LOUNGE_COMMAND"`
	UID     string        `env:"LOUNGE_UID,default=node"`
	GID     string        `env:"LOUNGE_GID,default=node"`
	DataDir string        `env:"LOUNGE_DATADIR,default=/data/thelounge"`
	Timeout time.Duration `env:"LOUNGE_TIMEOUT,default=30s"`
}

// Backup configures encrypted snapshot uploads.
type Backup struct {
	Enabled        bool   `env:"BACKUP_ENABLED,default=false"`
	Prefix         string `env:"S3_PREFIX,default=regserv/"`
	Recipients     string `env:"BACKUP_AGE_RECIPIENTS"`
	Bucket         string `env:"S3_BUCKET"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=false"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
}

// S3 returns the bucket client settings.
func (b Backup) S3() s3.Config {
	return s3.Config{
		Bucket:         b.Bucket,
		Region:         b.Region,
		Endpoint:       b.Endpoint,
		AccessKey:      b.AccessKey,
		SecretKey:      b.SecretKey,
		ForcePathStyle: b.ForcePathStyle,
		DisableTLS:     b.DisableTLS,
	}
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through lookuper and validates it, operator
// credentials included.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	cfg, err := Read(ctx, lookuper)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.RequireOperator(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is LoadWith without the operator requirement, for tools that never
// talk to the ircd.
func Read(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireOperator reports missing ircd operator credentials.
func (c Config) RequireOperator() error {
	if c.IRC.Operator == "" || c.IRC.Password == "" {
		return errors.New("OPER_NICKNAME and OPER_PASSWORD are required")
	}
	return nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid REGSERV_URL: %q", c.BaseURL))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("REGSERV_TOKEN_TTL must be positive, got %s", c.TokenTTL))
	}
	if c.IRC.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("IRC_STAGE_TIMEOUT must be positive, got %s", c.IRC.StageTimeout))
	}
	if c.IRC.Port <= 0 || c.IRC.Port > 65535 {
		errs = append(errs, fmt.Errorf("IRC_PORT %d is outside the valid range 1-65535", c.IRC.Port))
	}
	if c.FormRate < 0 {
		errs = append(errs, errors.New("REGSERV_FORM_RATE may not be negative"))
	}
	switch c.Store {
	case StoreFile:
		if c.SnapshotPath == "" {
			errs = append(errs, errors.New("REGSERV_SNAPSHOT_PATH is required for the file store"))
		}
	case StorePostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("REGSERV_DB_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REGSERV_STORE %q", c.Store))
	}
	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when backups are enabled"))
		}
		if c.Backup.Recipients == "" {
			errs = append(errs, errors.New("BACKUP_AGE_RECIPIENTS is required when backups are enabled"))
		}
	}
	return errors.Join(errs...)
}
