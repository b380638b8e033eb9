package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadStation builds a Station config by layering defaults, an optional YAML
// file named by KART_CONFIG, and KART_-prefixed environment variables.
func LoadStation(path string) (*Station, error) {
	cfg := NewStation()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	return cfg, nil
}

// LoadScoring builds a Scoring config the same way.
func LoadScoring(path string) (*Scoring, error) {
	cfg := NewScoring()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, errors.New("secret must not be empty")
	}
	return cfg, nil
}

func load(path string, dst any) error {
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv("KART_CONFIG")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return err
		}
	}

	// KART_SERVER_URL -> server_url, KART_SERIAL_DEVICE -> serial.device.
	// Single underscores separate words; double underscores nest sections.
	envProvider := env.Provider("KART_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "kart_")
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return err
	}

	return k.UnmarshalWithConf("", dst, koanf.UnmarshalConf{Tag: "koanf"})
}
