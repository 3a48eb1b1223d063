// Package config resolves service settings from the environment, falling
// back to an optional YAML file and then to built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML config path.
const FileEnv = "CONFIG_FILE"

// Source looks settings up by their environment variable name.
type Source struct {
	file map[string]string
}

// Open reads the YAML file named by CONFIG_FILE, if any. The file is a flat
// mapping from variable name to value:
//
//	PORT: 8081
//	WORKSPACES_ROOT: /srv/workspaces
func Open() (*Source, error) {
	return OpenFile(os.Getenv(FileEnv))
}

// OpenFile reads path as the YAML overlay. An empty path yields an
// environment-only Source.
func OpenFile(path string) (*Source, error) {
	s := &Source{file: make(map[string]string)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for key, val := range raw {
		if val == nil {
			continue
		}
		s.file[strings.ToUpper(key)] = fmt.Sprint(val)
	}
	return s, nil
}

func (s *Source) lookup(key string) (string, bool) {
	if val := os.Getenv(key); val != "" {
		return val, true
	}
	if s != nil {
		if val, ok := s.file[key]; ok && val != "" {
			return val, true
		}
	}
	return "", false
}

// GetEnv returns the string setting for key.
func (s *Source) GetEnv(key, defaultVal string) string {
	if val, ok := s.lookup(key); ok {
		return val
	}
	return defaultVal
}

// GetEnvInt returns the integer setting for key. Unparseable values fall
// back to the default.
func (s *Source) GetEnvInt(key string, defaultVal int) int {
	if val, ok := s.lookup(key); ok {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// GetEnvFloat returns the float setting for key.
func (s *Source) GetEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := s.lookup(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// GetEnvBool returns the boolean setting for key.
func (s *Source) GetEnvBool(key string, defaultVal bool) bool {
	if val, ok := s.lookup(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// GetEnvMillis reads a *_MS setting as a duration.
func (s *Source) GetEnvMillis(key string, defaultMS int) time.Duration {
	return time.Duration(s.GetEnvInt(key, defaultMS)) * time.Millisecond
}
