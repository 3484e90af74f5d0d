package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvConfig holds the PROBING_* environment settings the agent and
// injector recognize. The bare PROBING activation value is parsed
// separately via ParseActivation.
type EnvConfig struct {
	// Port additionally binds a TCP endpoint when non-zero.
	Port int `envconfig:"PORT"`
	// LogLevel sets agent log verbosity.
	LogLevel string `envconfig:"LOGLEVEL" default:"info"`
	// AuthToken enables request authentication when non-empty.
	AuthToken string `envconfig:"AUTH_TOKEN"`
	// AuthUsername is the expected basic-auth username.
	AuthUsername string `envconfig:"AUTH_USERNAME" default:"admin"`
	// AuthRealm is advertised to browsers on basic-auth failure.
	AuthRealm string `envconfig:"AUTH_REALM" default:"probing"`
	// MaxRequestSize caps request body sizes in bytes.
	MaxRequestSize uint32 `envconfig:"MAX_REQUEST_SIZE" default:"5242880"`
	// MaxFileSize caps files served by the file endpoint.
	MaxFileSize int64 `envconfig:"MAX_FILE_SIZE" default:"10485760"`
	// ClusterDirectory is the optional peer-directory URL.
	ClusterDirectory string `envconfig:"CLUSTER_DIRECTORY"`
}

// LoadEnv reads the PROBING_* variables plus the activation value. A
// PROBING_* variable set to the empty string is removed from the
// environment and counts as unset.
func LoadEnv() (EnvConfig, Activation, error) {
	var cfg EnvConfig
	for _, kv := range os.Environ() {
		if key, value, _ := strings.Cut(kv, "="); value == "" && strings.HasPrefix(key, "PROBING_") {
			_ = os.Unsetenv(key)
		}
	}
	if err := envconfig.Process("PROBING", &cfg); err != nil {
		return EnvConfig{}, Activation{}, fmt.Errorf("parse PROBING_* environment: %w", err)
	}
	act, err := ParseActivation(os.Getenv("PROBING"))
	if err != nil {
		return EnvConfig{}, Activation{}, err
	}
	return cfg, act, nil
}
