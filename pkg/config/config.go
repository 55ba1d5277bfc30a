package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const (
	DefaultMaxParallel      = 3
	DefaultBatchSize        = 1000
	DefaultCommandTimeoutMs = 900000
	DefaultDumpDir          = "./temp-dump"
)

// Config holds the settings for one sync run. Every field can be
// supplied through the environment, or through a .env/yaml file
// passed to Load.
type Config struct {
	RemoteURI string `yaml:"remote_uri" env:"REMOTE_URI"`
	LocalURI  string `yaml:"local_uri" env:"LOCAL_URI"`

	SkipVerification  bool `yaml:"skip_verification" env:"SKIP_VERIFICATION" env-default:"false"`
	UseParallel       bool `yaml:"use_parallel" env:"USE_PARALLEL" env-default:"true"`
	MaxParallel       int  `yaml:"max_parallel" env:"MAX_PARALLEL" env-default:"3"`
	UseDirectTransfer bool `yaml:"use_direct_transfer" env:"USE_DIRECT_TRANSFER" env-default:"false"`
	BatchSize         int  `yaml:"batch_size" env:"BATCH_SIZE" env-default:"1000"`

	DumpDir          string      `yaml:"dump_dir" env:"DUMP_DIR" env-default:"./temp-dump"`
	CommandTimeoutMs int         `yaml:"command_timeout_ms" env:"COMMAND_TIMEOUT_MS" env-default:"900000"`
	Tools            ToolsConfig `yaml:"tools"`

	// Populated by Validate.
	RemoteDB string `yaml:"-"`
	LocalDB  string `yaml:"-"`
}

// ToolsConfig names the database utilities the dump/restore path shells out to.
type ToolsConfig struct {
	MongodumpBin    string `yaml:"mongodump" env:"MONGODUMP_BIN" env-default:"mongodump"`
	MongorestoreBin string `yaml:"mongorestore" env:"MONGORESTORE_BIN" env-default:"mongorestore"`
	MongoshBin      string `yaml:"mongosh" env:"MONGOSH_BIN" env-default:"mongosh"`
}

// ConfigError reports connection settings that are missing or unusable.
// A run never starts transferring when one is returned.
type ConfigError struct {
	Missing []string
	Reason  string
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing required environment variable(s): %s", strings.Join(e.Missing, ", "))
	}

	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// Load reads the configuration from the environment. When envFile is
// not empty the file is read first and the environment overrides it.
func Load(envFile string) (*Config, error) {
	cfg := &Config{}
	if envFile != "" {
		if err := cleanenv.ReadConfig(envFile, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration from %s", envFile)
		}

		return cfg, nil
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration from environment")
	}

	return cfg, nil
}

// Validate checks both connection strings are present and resolves the
// database name from each. Unusable tuning values fall back to defaults.
func (cfg *Config) Validate() error {
	required := map[string]string{
		"REMOTE_URI": cfg.RemoteURI,
		"LOCAL_URI":  cfg.LocalURI,
	}
	missing := lo.Filter([]string{"REMOTE_URI", "LOCAL_URI"}, func(name string, _ int) bool {
		return strings.TrimSpace(required[name]) == ""
	})
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}

	var err error
	if cfg.RemoteDB, err = DatabaseName(cfg.RemoteURI); err != nil {
		return &ConfigError{Reason: "REMOTE_URI: " + err.Error()}
	}
	if cfg.LocalDB, err = DatabaseName(cfg.LocalURI); err != nil {
		return &ConfigError{Reason: "LOCAL_URI: " + err.Error()}
	}

	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CommandTimeoutMs <= 0 {
		cfg.CommandTimeoutMs = DefaultCommandTimeoutMs
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = DefaultDumpDir
	}

	return nil
}

// CommandTimeout is the allotted time for each external tool invocation.
func (cfg *Config) CommandTimeout() time.Duration {
	return time.Duration(cfg.CommandTimeoutMs) * time.Millisecond
}

// DatabaseName extracts the logical database name from a MongoDB
// connection string.
func DatabaseName(uri string) (string, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return "", errors.Wrap(err, "unparseable connection string")
	}
	if cs.Database == "" {
		return "", errors.New("connection string does not name a database")
	}

	return cs.Database, nil
}

// DefaultCollections returns the ordered list of collections a sync
// run relocates. Callers receive their own copy.
func DefaultCollections() []string {
	return []string{
		"contents",
		"shows",
		"seasons",
		"episodes",
		"rawmedias",
		"transcodingtasks",
		"users",
	}
}
