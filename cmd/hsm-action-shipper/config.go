package main

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stanford-rc/hsm-action-stream"
)

// Config represents a configuration for the binary process.
type Config struct {
	MDTWatchGlob string `yaml:"mdt_watch_glob"`
	CachePath    string `yaml:"cache_path"`

	PollInterval      int `yaml:"poll_interval"`      // seconds
	ReconcileInterval int `yaml:"reconcile_interval"` // seconds

	RedisHost         string `yaml:"redis_host"`
	RedisPort         int    `yaml:"redis_port"`
	RedisDB           int    `yaml:"redis_db"`
	RedisPassword     string `yaml:"redis_password"`
	RedisStreamPrefix string `yaml:"redis_stream_prefix"`

	TrimChunkSize           int `yaml:"trim_chunk_size"`
	AggressiveTrimThreshold int `yaml:"aggressive_trim_threshold"`
	ReplayChunkSize         int `yaml:"replay_chunk_size"`

	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogMaxSize  int    `yaml:"log_max_size"`  // megabytes
	LogMaxCount int    `yaml:"log_max_count"` // rotated files kept
	LogCompress bool   `yaml:"log_compress"`

	// Address of the debug/metrics HTTP listener; blank disables it.
	HTTPAddr string `yaml:"http_addr"`
}

// Log rotation defaults.
const (
	DefaultLogMaxSize  = 64 // MB
	DefaultLogMaxCount = 8
	DefaultLogCompress = true
)

// NewConfig returns a new instance of Config with defaults set.
func NewConfig() Config {
	var config Config
	config.MDTWatchGlob = hsmstream.DefaultWatchGlob
	config.CachePath = hsmstream.DefaultCachePath

	config.PollInterval = hsmstream.DefaultPollInterval
	config.ReconcileInterval = hsmstream.DefaultReconcileInterval

	config.RedisHost = "localhost"
	config.RedisPort = 6379
	config.RedisStreamPrefix = hsmstream.DefaultStreamPrefix

	config.TrimChunkSize = hsmstream.DefaultTrimChunkSize
	config.AggressiveTrimThreshold = hsmstream.DefaultAggressiveTrimThreshold
	config.ReplayChunkSize = hsmstream.DefaultReplayChunkSize

	config.LogLevel = "info"
	config.LogMaxSize = DefaultLogMaxSize
	config.LogMaxCount = DefaultLogMaxCount
	config.LogCompress = DefaultLogCompress

	return config
}

// Validate returns an error for option values the process cannot run with.
func (c *Config) Validate() error {
	if c.MDTWatchGlob == "" {
		return fmt.Errorf("mdt_watch_glob required")
	} else if c.CachePath == "" {
		return fmt.Errorf("cache_path required")
	} else if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	} else if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile_interval must be positive")
	} else if c.TrimChunkSize <= 0 {
		return fmt.Errorf("trim_chunk_size must be positive")
	} else if c.ReplayChunkSize <= 0 {
		return fmt.Errorf("replay_chunk_size must be positive")
	}

	switch c.LogLevel {
	case "debug", "info":
	default:
		return fmt.Errorf("unknown log_level: %q", c.LogLevel)
	}
	return nil
}

// RedisAddr returns the host:port dial address of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// UnmarshalConfig unmarshals config from data.
// If expandEnv is true then environment variables are expanded in the config.
func UnmarshalConfig(config *Config, data []byte, expandEnv bool) error {
	// Expand environment variables, if enabled.
	if expandEnv {
		data = []byte(ExpandEnv(string(data)))
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(&config); err != nil {
		return err
	}
	return nil
}

// ExpandEnv replaces environment variables just like os.ExpandEnv() but also
// allows for equality/inequality binary expressions within the ${} form.
func ExpandEnv(s string) string {
	return os.Expand(s, func(v string) string {
		v = strings.TrimSpace(v)

		if a := expandExprSingleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprDoubleQuote.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == a[3])
			}
			return strconv.FormatBool(os.Getenv(a[1]) != a[3])
		}

		if a := expandExprVar.FindStringSubmatch(v); a != nil {
			if a[2] == "==" {
				return strconv.FormatBool(os.Getenv(a[1]) == os.Getenv(a[3]))
			}
			return strconv.FormatBool(os.Getenv(a[1]) != os.Getenv(a[3]))
		}

		return os.Getenv(v)
	})
}

var (
	expandExprSingleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*'(.*)'$`)
	expandExprDoubleQuote = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*"(.*)"$`)
	expandExprVar         = regexp.MustCompile(`^(\w+)\s*(==|!=)\s*(\w+)$`)
)

// ParseConfigPath parses the configuration file from configPath, if specified.
//
// Otherwise searches the standard list of search paths. Returns an error if
// no configuration files could be found.
func ParseConfigPath(configPath string, expandEnv bool, config *Config) (err error) {
	// Only read from explicit path, if specified. Report any error.
	if configPath != "" {
		buf, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		return UnmarshalConfig(config, buf, expandEnv)
	}

	// Otherwise attempt to read each config path until we succeed.
	for _, path := range configSearchPaths() {
		if path, err = filepath.Abs(path); err != nil {
			return err
		}

		buf, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("cannot read config file at %s: %s", path, err)
		}

		if err := UnmarshalConfig(config, buf, expandEnv); err != nil {
			return fmt.Errorf("cannot unmarshal config file at %s: %s", path, err)
		}

		fmt.Printf("config file read from %s\n", path)
		return nil
	}

	return fmt.Errorf("config file not found")
}

// configSearchPaths returns paths to search for the config file. It starts with
// the current directory, then home directory, if available. And finally it tries
// to read from the /etc directory.
func configSearchPaths() []string {
	a := []string{"hsm-action-shipper.yml"}
	if u, _ := user.Current(); u != nil && u.HomeDir != "" {
		a = append(a, filepath.Join(u.HomeDir, "hsm-action-shipper.yml"))
	}
	a = append(a, "/etc/hsm-action-shipper.yml")
	return a
}
