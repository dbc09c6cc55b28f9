package config

import (
	"bufio"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// envSource resolves keys with explicit map > process env > dotenv precedence.
type envSource struct {
	explicit map[string]string
	system   map[string]string
	dotenv   map[string]string
}

func newEnvSource(options loaderOptions) (envSource, error) {
	dotenv, err := loadDotEnv(options.envFile)
	if err != nil {
		return envSource{}, err
	}
	src := envSource{explicit: options.envMap, dotenv: dotenv}
	if options.useSystemEnv {
		src.system = systemEnvironment()
	}
	return src, nil
}

func (s envSource) lookup(key string) (string, bool) {
	for _, layer := range []map[string]string{s.explicit, s.system, s.dotenv} {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

func (s envSource) merged() map[string]string {
	out := make(map[string]string, len(s.dotenv)+len(s.system)+len(s.explicit))
	maps.Copy(out, s.dotenv)
	maps.Copy(out, s.system)
	maps.Copy(out, s.explicit)
	return out
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s envSource) integer(key string, fallback int) int {
	if parsed, err := strconv.Atoi(s.str(key, "")); err == nil {
		return parsed
	}
	return fallback
}

func (s envSource) boolean(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s envSource) csv(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s.str(key, ""), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// keyValues parses "name=value,name2=value2" with lower-cased names.
func (s envSource) keyValues(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range s.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
