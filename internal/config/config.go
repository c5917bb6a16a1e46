package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the upgrade tool
type Config struct {
	AWS        AWSConfig        `yaml:"aws"`
	EMR        EMRConfig        `yaml:"emr"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Upgrade    UpgradeConfig    `yaml:"upgrade"`
	Slack      SlackConfig      `yaml:"slack"`
	Databricks DatabricksConfig `yaml:"databricks"`
	Demo       DemoConfig       `yaml:"demo"`
}

// AWSConfig holds region and credential settings. Credentials fall back to the
// default AWS credential chain when left empty.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// EMRConfig holds the compute cluster connection settings
type EMRConfig struct {
	ClusterID               string `yaml:"cluster_id"`
	PemPath                 string `yaml:"pem_path"`
	SSHUser                 string `yaml:"ssh_user"`
	StatementTimeoutMinutes int    `yaml:"statement_timeout_minutes"`
}

// CatalogConfig holds the Glue catalog settings
type CatalogConfig struct {
	// Name is the Spark catalog alias used in statements, e.g. glue_catalog
	Name string `yaml:"name"`
	// Warehouse is the warehouse root, e.g. s3://bucket/warehouse
	Warehouse string `yaml:"warehouse"`
	// CatalogID is the Glue Data Catalog account ID; empty uses the caller's account
	CatalogID string `yaml:"catalog_id"`
}

// UpgradeConfig holds upgrade behavior settings
type UpgradeConfig struct {
	// RetryAttempts bounds retries when the cluster is unreachable
	RetryAttempts int `yaml:"retry_attempts"`
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// DatabricksConfig holds settings for the read-verification step
type DatabricksConfig struct {
	Host        string `yaml:"host"`
	Token       string `yaml:"token"`
	WarehouseID string `yaml:"warehouse_id"`
	// FederatedCatalog is the Unity Catalog name federating the Glue catalog
	FederatedCatalog string `yaml:"federated_catalog"`
}

// DemoConfig holds settings for the demo table generator
type DemoConfig struct {
	S3Bucket     string `yaml:"s3_bucket"`
	GlueDatabase string `yaml:"glue_database"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables so credentials can stay out of the file
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AWS.Region == "" {
		c.AWS.Region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-west-2"
	}
	if c.EMR.SSHUser == "" {
		c.EMR.SSHUser = "hadoop"
	}
	if c.EMR.StatementTimeoutMinutes == 0 {
		// Full rewrites on large tables are slow; give them room
		c.EMR.StatementTimeoutMinutes = 60
	}
	c.EMR.PemPath = expandTilde(c.EMR.PemPath)
	if c.Catalog.Name == "" {
		c.Catalog.Name = "glue_catalog"
	}
	if c.Upgrade.RetryAttempts == 0 {
		c.Upgrade.RetryAttempts = 3
	}
}

func (c *Config) validate() error {
	if c.AWS.Region == "" {
		return fmt.Errorf("aws.region is required")
	}
	if c.Upgrade.RetryAttempts < 1 {
		return fmt.Errorf("upgrade.retry_attempts must be at least 1")
	}
	return nil
}

// RequireEMR validates the settings needed to reach the compute cluster.
// list mode works without them, so they are not checked at load time.
func (c *Config) RequireEMR() error {
	var missing []string
	if c.EMR.ClusterID == "" {
		missing = append(missing, "emr.cluster_id")
	}
	if c.EMR.PemPath == "" {
		missing = append(missing, "emr.pem_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequireDatabricks validates the settings needed for read verification.
func (c *Config) RequireDatabricks() error {
	var missing []string
	if c.Databricks.Host == "" {
		missing = append(missing, "databricks.host")
	}
	if c.Databricks.Token == "" {
		missing = append(missing, "databricks.token")
	}
	if c.Databricks.FederatedCatalog == "" {
		missing = append(missing, "databricks.federated_catalog")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RequireDemo validates the settings needed for demo table setup.
func (c *Config) RequireDemo() error {
	var missing []string
	if c.Demo.S3Bucket == "" {
		missing = append(missing, "demo.s3_bucket")
	}
	if c.Demo.GlueDatabase == "" {
		missing = append(missing, "demo.glue_database")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// StatementTimeout returns the per-statement timeout as a duration.
func (c *Config) StatementTimeout() time.Duration {
	return time.Duration(c.EMR.StatementTimeoutMinutes) * time.Minute
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.AWS.SecretAccessKey != "" {
		sanitized.AWS.SecretAccessKey = "[REDACTED]"
	}
	if sanitized.AWS.SessionToken != "" {
		sanitized.AWS.SessionToken = "[REDACTED]"
	}
	if sanitized.Databricks.Token != "" {
		sanitized.Databricks.Token = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
