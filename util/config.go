package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "gomphos"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string `yaml:"host"`
		HttpPort            int    `yaml:"httpPort"`
		Domain              string `yaml:"domain"`
		DataDir             string `yaml:"dataDir"`
		Federation          string `yaml:"federation"`   // clearnet, tor, i2p or gnunet
		SecureMode          bool   `yaml:"secureMode"`   // sign outgoing GET requests (authorized fetch)
		NewsInstance        bool   `yaml:"newsInstance"` // classified bots may read public content
		BlockedCacheSeconds int    `yaml:"blockedCacheSeconds"`
	}
}

func ReadConf() (*AppConfig, error) {

	// A .env file beside the binary may carry the GOMPHOS_* overrides
	_ = godotenv.Load()

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	envHost := os.Getenv("GOMPHOS_HOST")
	envHttpPort := os.Getenv("GOMPHOS_HTTPPORT")
	envDomain := os.Getenv("GOMPHOS_DOMAIN")
	envDataDir := os.Getenv("GOMPHOS_DATADIR")
	envFederation := os.Getenv("GOMPHOS_FEDERATION")
	envSecureMode := os.Getenv("GOMPHOS_SECURE_MODE")
	envNewsInstance := os.Getenv("GOMPHOS_NEWS_INSTANCE")
	envBlockedCache := os.Getenv("GOMPHOS_BLOCKED_CACHE_SECONDS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envDomain != "" {
		c.Conf.Domain = envDomain
	}

	if envDataDir != "" {
		c.Conf.DataDir = envDataDir
	}

	if envFederation != "" {
		c.Conf.Federation = envFederation
	}

	if envSecureMode == "true" {
		c.Conf.SecureMode = true
	}

	if envNewsInstance == "true" {
		c.Conf.NewsInstance = true
	}

	if envBlockedCache != "" {
		v, err := strconv.Atoi(envBlockedCache)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.BlockedCacheSeconds = v
	}

	if c.Conf.Federation == "" {
		c.Conf.Federation = "clearnet"
	}

	if c.Conf.BlockedCacheSeconds == 0 {
		c.Conf.BlockedCacheSeconds = 120
	}

	if c.Conf.DataDir == "" {
		c.Conf.DataDir = "accounts"
	}

	return c, nil
}
