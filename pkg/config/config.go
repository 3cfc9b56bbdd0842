package config

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v2"
)

const (
	configDir  string = ".debugserver"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Log enables logging without passing --log on the command line.
	Log bool `yaml:"log"`
	// LogOutput is the default set of layers to log, see pkg/logflags.
	LogOutput string `yaml:"log-output"`

	// MemoryCacheLines is the number of cache lines kept by the inferior
	// memory read cache. Zero means the built-in default.
	MemoryCacheLines int `yaml:"memory-cache-lines,omitempty"`

	// KillOnDetach kills inferiors this server launched when the server
	// shuts down instead of detaching from them.
	KillOnDetach bool `yaml:"kill-on-detach"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	if err := os.MkdirAll(filepath.Dir(fullConfigFile), 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			c := &Config{}
			if err := SaveConfig(c); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			}
			return c
		}
		fmt.Fprintf(os.Stderr, "Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig writes config to the config file.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return os.WriteFile(fullConfigFile, out, 0600)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDir, file), nil
}
