// Package config defines the single immutable configuration record
// passed explicitly into the coordinator and the components it wires
// up. Viper is the engine used to gather the value (file + environment
// + flag merge), but it is read exactly once at process startup;
// nothing downstream of Load holds a reference to the *viper.Viper the
// record was built from.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPerFileTimeoutSec = 300
	DefaultMaxAttempts       = 3
	DefaultRetryBaseSec      = 5
	DefaultRetryCapSec       = 60
	DefaultInputExt          = ".txt"
	DefaultAnnotatorOptions  = "--XMLf1 --WSD --negex"
	DefaultTaggerPort        = 1795
	DefaultWSDPort           = 5554
	EnvPrefix                = "METAMAPRUN"
)

// Config is the fully resolved, immutable configuration for one batch run.
type Config struct {
	AnnotatorPath    string
	AnnotatorOptions string
	PoolSize         int
	PerFileTimeout   time.Duration
	MaxAttempts      int
	RetryBaseSec     int
	RetryCapSec      int
	InputExt         string
	Background       bool
	TaggerPort       int
	WSDPort          int
	TaggerCommand    string
	WSDCommand       string
}

// Load builds a Config from defaults, an optional YAML file, environment
// variables (prefixed METAMAPRUN_), and explicit overrides, in that
// precedence order. The YAML file is configFile, or ./metamaprun.yaml
// when configFile is empty and that file exists.
func Load(configFile string, overrides map[string]any) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("annotator.path", "metamap")
	v.SetDefault("annotator.options", DefaultAnnotatorOptions)
	v.SetDefault("pool.size", 0) // 0 = resolved at runtime from CPU/memory
	v.SetDefault("execution.per_file_timeout_sec", DefaultPerFileTimeoutSec)
	v.SetDefault("execution.max_attempts", DefaultMaxAttempts)
	v.SetDefault("execution.retry_base_sec", DefaultRetryBaseSec)
	v.SetDefault("execution.retry_cap_sec", DefaultRetryCapSec)
	v.SetDefault("input.ext", DefaultInputExt)
	v.SetDefault("execution.background", false)
	v.SetDefault("daemons.tagger_port", DefaultTaggerPort)
	v.SetDefault("daemons.wsd_port", DefaultWSDPort)
	v.SetDefault("daemons.tagger_command", "taggerServer")
	v.SetDefault("daemons.wsd_command", "wsdserverctl")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("metamaprun")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read ./metamaprun.yaml: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg := Config{
		AnnotatorPath:    v.GetString("annotator.path"),
		AnnotatorOptions: v.GetString("annotator.options"),
		PoolSize:         v.GetInt("pool.size"),
		PerFileTimeout:   time.Duration(v.GetInt("execution.per_file_timeout_sec")) * time.Second,
		MaxAttempts:      v.GetInt("execution.max_attempts"),
		RetryBaseSec:     v.GetInt("execution.retry_base_sec"),
		RetryCapSec:      v.GetInt("execution.retry_cap_sec"),
		InputExt:         v.GetString("input.ext"),
		Background:       v.GetBool("execution.background"),
		TaggerPort:       v.GetInt("daemons.tagger_port"),
		WSDPort:          v.GetInt("daemons.wsd_port"),
		TaggerCommand:    v.GetString("daemons.tagger_command"),
		WSDCommand:       v.GetString("daemons.wsd_command"),
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	return cfg, nil
}
