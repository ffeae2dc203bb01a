package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "tusker"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                  string
		HttpPort              int    `yaml:"httpPort"`
		SslDomain             string `yaml:"sslDomain"`
		WithAp                bool   `yaml:"withAp"`
		DatabasePath          string `yaml:"databasePath"`
		SystemActor           string `yaml:"systemActor"`
		LogLevel              string `yaml:"logLevel"`
		AdminToken            string `yaml:"adminToken"`
		BlocklistFailOpen     bool   `yaml:"blocklistFailOpen"`
		SignatureMaxSkew      int    `yaml:"signatureMaxSkew"`
		FetchMaxRetries       int    `yaml:"fetchMaxRetries"`
		FetchBackoffBase      int    `yaml:"fetchBackoffBase"`
		DeliveryConcurrency   int    `yaml:"deliveryConcurrency"`
		DeliveryTimeout       int    `yaml:"deliveryTimeout"`
		DeliverySweepInterval int    `yaml:"deliverySweepInterval"`
		ActorRefreshInterval  int    `yaml:"actorRefreshInterval"`
		HealthCheckInterval   int    `yaml:"healthCheckInterval"`
		EmbeddedScheduler     bool   `yaml:"embeddedScheduler"`
	}
}

// ReadConf reads config.yaml from the working directory or the user config dir,
// falling back to the embedded defaults.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	return parseConf(buf)
}

// ReadConfFrom reads the config from an explicit path, as given by --config
func ReadConfFrom(path string) (*AppConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parseConf(buf)
}

func parseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}

	// defaults first so a partial file keeps sane values
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnv(c)
	return c, nil
}

func applyEnv(c *AppConfig) {
	if v := os.Getenv("TUSKER_HOST"); v != "" {
		c.Conf.Host = v
	}
	envInt("TUSKER_HTTPPORT", &c.Conf.HttpPort)
	if v := os.Getenv("TUSKER_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if os.Getenv("TUSKER_WITH_AP") == "true" {
		c.Conf.WithAp = true
	}
	if v := os.Getenv("TUSKER_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v := os.Getenv("TUSKER_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("TUSKER_ADMIN_TOKEN"); v != "" {
		c.Conf.AdminToken = v
	}
	if v := os.Getenv("TUSKER_BLOCKLIST_FAIL_OPEN"); v != "" {
		c.Conf.BlocklistFailOpen = v == "true"
	}
	envInt("TUSKER_FETCH_MAX_RETRIES", &c.Conf.FetchMaxRetries)
	envInt("TUSKER_DELIVERY_CONCURRENCY", &c.Conf.DeliveryConcurrency)
	if os.Getenv("TUSKER_EMBEDDED_SCHEDULER") == "true" {
		c.Conf.EmbeddedScheduler = true
	}
}

// envInt overrides *dst with an integer env var; invalid values are logged and ignored
func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("ignoring invalid integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}

// Seconds converts one of the integer second settings into a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
