package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields written as "30s", "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the full daemon configuration. Every field has a working
// default; the YAML file and STEWARD_* environment variables override.
type Config struct {
	NodeID  string `yaml:"nodeId"`
	DataDir string `yaml:"dataDir" validate:"required"`

	// EncryptionKey seals tenant credentials at rest. 64 hex chars
	// (32 bytes). Required outside of log-only mode.
	EncryptionKey string `yaml:"encryptionKey"`

	Log          LogConfig          `yaml:"log"`
	API          APIConfig          `yaml:"api"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Provision    ProvisionConfig    `yaml:"provision"`
	Dunning      DunningConfig      `yaml:"dunning"`
	Bus          BusConfig          `yaml:"bus"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	DNS          DNSConfig          `yaml:"dns"`
	Backup       BackupConfig       `yaml:"backup"`
	Notify       NotifyConfig       `yaml:"notify"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	File   string `yaml:"file"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"required,hostname_port"`
	// AdminToken guards /system endpoints. Empty disables them.
	AdminToken     string   `yaml:"adminToken"`
	RequestTimeout Duration `yaml:"requestTimeout"`
}

type OrchestratorConfig struct {
	// Mode kubernetes drives a real cluster; log records intents only.
	Mode           string `yaml:"mode" validate:"required,oneof=kubernetes log"`
	Kubeconfig     string `yaml:"kubeconfig"`
	InCluster      bool   `yaml:"inCluster"`
	StorageClass   string `yaml:"storageClass"`
	IngressClass   string `yaml:"ingressClass"`
	WordPressImage string `yaml:"wordpressImage" validate:"required"`
	MySQLImage     string `yaml:"mysqlImage" validate:"required"`
	CacheImage     string `yaml:"cacheImage" validate:"required"`
	BackupImage    string `yaml:"backupImage" validate:"required"`
	// SuspensionService receives ingress traffic for suspended tenants.
	// Each tenant namespace gets an ExternalName mirror of it so the
	// ingress can reference it locally.
	SuspensionService string `yaml:"suspensionService" validate:"required"`
	// SystemNamespace hosts the shared control-plane services the
	// mirrors point at.
	SystemNamespace string `yaml:"systemNamespace" validate:"required"`
}

type ProvisionConfig struct {
	StepTimeout    Duration `yaml:"stepTimeout"`
	MaxAttempts    int      `yaml:"maxAttempts" validate:"min=1,max=10"`
	ReadinessCheck Duration `yaml:"readinessCheck"`
	// Locale and Timezone are applied to every new WordPress install.
	Locale   string `yaml:"locale" validate:"required"`
	Timezone string `yaml:"timezone" validate:"required"`
	// BackupSchedule is the cron expression for the per-tenant nightly
	// backup job installed at the end of the workflow.
	BackupSchedule string `yaml:"backupSchedule" validate:"required"`
}

type DunningConfig struct {
	// Schedule is a standard 5-field cron expression, evaluated in UTC.
	Schedule    string   `yaml:"schedule" validate:"required"`
	LeaseTTL    Duration `yaml:"leaseTTL"`
	LeaseBudget Duration `yaml:"leaseBudget"`
	// DeletionGrace is the pause between scheduling and executing
	// tenant deletion.
	DeletionGrace Duration `yaml:"deletionGrace"`
}

type BusConfig struct {
	Workers       int      `yaml:"workers" validate:"min=1,max=64"`
	QueueCapacity int      `yaml:"queueCapacity" validate:"min=1"`
	MaxRetries    int      `yaml:"maxRetries" validate:"min=0,max=20"`
	MaxEventAge   Duration `yaml:"maxEventAge"`
}

type GatewayConfig struct {
	BaseURL string `yaml:"baseUrl" validate:"omitempty,url"`
	APIKey  string `yaml:"apiKey"`
	// WebhookSecret verifies inbound payment webhook signatures.
	WebhookSecret  string   `yaml:"webhookSecret"`
	RequestTimeout Duration `yaml:"requestTimeout"`
}

type DNSConfig struct {
	// Mode rfc2136 sends dynamic updates; log records intents only.
	Mode       string `yaml:"mode" validate:"required,oneof=rfc2136 log"`
	ServerAddr string `yaml:"serverAddr" validate:"omitempty,hostname_port"`
	Zone       string `yaml:"zone"`
	// Target is the A/CNAME destination for tenant records.
	Target     string `yaml:"target"`
	TTLSeconds int    `yaml:"ttlSeconds" validate:"min=0,max=86400"`
	TSIGName   string `yaml:"tsigName"`
	TSIGSecret string `yaml:"tsigSecret"`
}

type BackupConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Endpoint overrides the S3 endpoint for MinIO-style deployments.
	Endpoint       string   `yaml:"endpoint" validate:"omitempty,url"`
	ForcePathStyle bool     `yaml:"forcePathStyle"`
	Timeout        Duration `yaml:"timeout"`
	// Concurrency bounds parallel per-tenant backup jobs.
	Concurrency int `yaml:"concurrency" validate:"min=1,max=32"`
	// AccessKey and SecretKey override the ambient AWS credential chain.
	// MinIO deployments set these; on EKS the chain finds the node role.
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	// Content flags select which WordPress trees go into the archive.
	IncludeUploads bool `yaml:"includeUploads"`
	IncludePlugins bool `yaml:"includePlugins"`
	IncludeThemes  bool `yaml:"includeThemes"`
}

type NotifyConfig struct {
	// Mode smtp delivers mail; log records intents only.
	Mode     string `yaml:"mode" validate:"required,oneof=smtp log"`
	SMTPHost string `yaml:"smtpHost"`
	SMTPPort int    `yaml:"smtpPort" validate:"min=0,max=65535"`
	SMTPUser string `yaml:"smtpUser"`
	SMTPPass string `yaml:"smtpPass"`
	From     string `yaml:"from" validate:"omitempty,email"`
	// SlackWebhookURL is the operator channel. Per-tenant channels come
	// from the tenant record.
	SlackWebhookURL string `yaml:"slackWebhookUrl" validate:"omitempty,url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "steward-0"
	}

	return &Config{
		NodeID:  hostname,
		DataDir: "/var/lib/steward",
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		API: APIConfig{
			ListenAddr:     "0.0.0.0:8080",
			RequestTimeout: Duration{60 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			Mode:              "log",
			StorageClass:      "standard",
			IngressClass:      "nginx",
			WordPressImage:    "wordpress:6.7-php8.3-apache",
			MySQLImage:        "mysql:8.0",
			CacheImage:        "redis:7.2-alpine",
			BackupImage:       "steward/backup-runner:1",
			SuspensionService: "steward-suspension",
			SystemNamespace:   "steward-system",
		},
		Provision: ProvisionConfig{
			StepTimeout:    Duration{5 * time.Minute},
			MaxAttempts:    5,
			ReadinessCheck: Duration{10 * time.Second},
			Locale:         "pt_BR",
			Timezone:       "America/Sao_Paulo",
			BackupSchedule: "30 3 * * *",
		},
		Dunning: DunningConfig{
			Schedule:      "0 2 * * *",
			LeaseTTL:      Duration{5 * time.Minute},
			LeaseBudget:   Duration{time.Second},
			DeletionGrace: Duration{24 * time.Hour},
		},
		Bus: BusConfig{
			Workers:       4,
			QueueCapacity: 1024,
			MaxRetries:    5,
			MaxEventAge:   Duration{24 * time.Hour},
		},
		Gateway: GatewayConfig{
			RequestTimeout: Duration{30 * time.Second},
		},
		DNS: DNSConfig{
			Mode:       "log",
			TTLSeconds: 300,
		},
		Backup: BackupConfig{
			Region:         "us-east-1",
			Timeout:        Duration{30 * time.Minute},
			Concurrency:    4,
			IncludeUploads: true,
			IncludePlugins: true,
			IncludeThemes:  true,
		},
		Notify: NotifyConfig{
			Mode:     "log",
			SMTPPort: 587,
		},
	}
}

// Load reads the config file at path, falling back to defaults for
// anything unset, applies STEWARD_* environment overrides and
// validates the result. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS is Load against an explicit filesystem.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays STEWARD_* variables. Secrets are the main use: they
// stay out of the YAML file on disk.
func (c *Config) applyEnv() {
	envString("STEWARD_NODE_ID", &c.NodeID)
	envString("STEWARD_DATA_DIR", &c.DataDir)
	envString("STEWARD_ENCRYPTION_KEY", &c.EncryptionKey)
	envString("STEWARD_LOG_LEVEL", &c.Log.Level)
	envString("STEWARD_LISTEN_ADDR", &c.API.ListenAddr)
	envString("STEWARD_ADMIN_TOKEN", &c.API.AdminToken)
	envString("STEWARD_KUBECONFIG", &c.Orchestrator.Kubeconfig)
	envString("STEWARD_GATEWAY_URL", &c.Gateway.BaseURL)
	envString("STEWARD_GATEWAY_API_KEY", &c.Gateway.APIKey)
	envString("STEWARD_WEBHOOK_SECRET", &c.Gateway.WebhookSecret)
	envString("STEWARD_DNS_TSIG_SECRET", &c.DNS.TSIGSecret)
	envString("STEWARD_S3_BUCKET", &c.Backup.Bucket)
	envString("STEWARD_S3_ENDPOINT", &c.Backup.Endpoint)
	envString("STEWARD_S3_ACCESS_KEY", &c.Backup.AccessKey)
	envString("STEWARD_S3_SECRET_KEY", &c.Backup.SecretKey)
	envString("STEWARD_SMTP_PASS", &c.Notify.SMTPPass)
	envString("STEWARD_SLACK_WEBHOOK_URL", &c.Notify.SlackWebhookURL)
	envInt("STEWARD_SMTP_PORT", &c.Notify.SMTPPort)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks field constraints plus the cross-field rules the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Orchestrator.Mode == "kubernetes" && c.EncryptionKey == "" {
		return fmt.Errorf("invalid config: encryptionKey is required in kubernetes mode")
	}
	if c.DNS.Mode == "rfc2136" {
		if c.DNS.ServerAddr == "" || c.DNS.Zone == "" || c.DNS.Target == "" {
			return fmt.Errorf("invalid config: dns mode rfc2136 requires serverAddr, zone and target")
		}
	}
	if c.Notify.Mode == "smtp" && (c.Notify.SMTPHost == "" || c.Notify.From == "") {
		return fmt.Errorf("invalid config: notify mode smtp requires smtpHost and from")
	}
	return nil
}
