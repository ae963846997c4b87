package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

var (
	envFilePath string
	parseOnce   sync.Once

	exportMu sync.Mutex
	exported = map[string]bool{}
)

// Validator is implemented by config structs that check themselves after decoding.
type Validator interface {
	Validate() error
}

func MustNew[T any](prefix string) *T {
	conf, err := New[T](prefix)
	if err != nil {
		panic(err)
	}
	return conf
}

// New loads the -env file (or ./.env when present) into the process
// environment and decodes T from it under prefix.
func New[T any](prefix string) (*T, error) {
	if err := loadEnvFile(resolveEnvPath()); err != nil {
		return nil, err
	}
	return FromEnv[T](prefix)
}

// FromEnv decodes T from the current environment only.
func FromEnv[T any](prefix string) (*T, error) {
	var conf T
	if err := envconfig.Process(prefix, &conf); err != nil {
		return nil, fmt.Errorf("process %s config: %w", displayPrefix(prefix), err)
	}

	if v, ok := any(&conf).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s config: %w", displayPrefix(prefix), err)
		}
	}

	return &conf, nil
}

// Optional decodes T only when at least one variable under prefix is set.
// It returns nil, nil otherwise so callers can skip optional integrations.
func Optional[T any](prefix string) (*T, error) {
	if err := loadEnvFile(resolveEnvPath()); err != nil {
		return nil, err
	}
	p := strings.ToUpper(strings.TrimSpace(prefix)) + "_"
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, p) {
			return FromEnv[T](prefix)
		}
	}
	return nil, nil
}

func displayPrefix(prefix string) string {
	if strings.TrimSpace(prefix) == "" {
		return "app"
	}
	return strings.ToLower(prefix)
}

func resolveEnvPath() string {
	parseOnce.Do(func() {
		if flag.Lookup("env") == nil {
			flag.StringVar(&envFilePath, "env", "", "path to .env file")
		}
		if !flag.Parsed() {
			flag.Parse()
		}
	})
	return strings.TrimSpace(envFilePath)
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := exportEnvironment(path); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	}
	if err := exportEnvironmentIfExists(".env"); err != nil {
		return fmt.Errorf("failed to load default env file: %w", err)
	}
	return nil
}

func exportEnvironmentIfExists(filepath string) error {
	info, err := os.Stat(filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(filepath)
}

// exportEnvironment copies the file's settings into the process env once per
// file. Variables already set in the environment win over the file.
func exportEnvironment(filepath string) error {
	exportMu.Lock()
	defer exportMu.Unlock()
	if exported[filepath] {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(filepath)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}

	exported[filepath] = true
	return nil
}
