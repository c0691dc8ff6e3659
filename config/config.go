// Package config holds the server configuration, loaded from an optional
// yaml file with command line overrides on top.
package config

import (
	"log"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the listen address of the web server.
	Addr string `yaml:"addr"`

	// ScratchDir receives framebuffer files of final renders.
	ScratchDir string `yaml:"scratch_dir"`

	// KeepFramebufferFiles leaves per-sample framebuffer files on disk
	// after streaming them, for debugging.
	KeepFramebufferFiles bool `yaml:"keep_framebuffer_files"`

	// DumpClientMessages logs a full dump of every decoded client
	// message.
	DumpClientMessages bool `yaml:"dump_client_messages"`

	// AbortOnRenderError exits the process on the first backend error
	// instead of logging it.
	AbortOnRenderError bool `yaml:"abort_on_render_error"`

	// MaxMessageSize caps incoming websocket frames, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`
}

func Default() *Config {
	return &Config{
		Addr:           ":5909",
		ScratchDir:     os.TempDir(),
		MaxMessageSize: 512 << 20,
	}
}

// Load reads a yaml config file over the defaults. A missing file is not
// an error, the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[config] %q does not exist, using defaults", path)
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "failed to read config %q", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return cfg, nil
}
