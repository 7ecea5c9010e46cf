package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadDotEnv reads KEY=VALUE pairs from a .env file. A missing file is not
// an error; it just yields an empty map.
func LoadDotEnv(envPath string) (map[string]string, error) {
	env := make(map[string]string)

	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		return env, nil
	}

	file, err := os.Open(envPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return env, nil
}

// ApplyDotEnvToProviders merges provider credentials from a .env file into
// the provider params, so API keys and tokens can stay out of the JSON
// config. Keys follow <PROVIDER>_<PARAM>: LIVEKIT_API_KEY fills the livekit
// provider's api_key param. Values already present in the config win.
//
// The file is looked up in dataDir first (default ~/.rtcguard), then the
// working directory for development setups.
func ApplyDotEnvToProviders(cfg *Config, dataDir string) error {
	if cfg == nil || len(cfg.Providers) == 0 {
		return nil
	}

	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, defaultDirName)
		}
	}

	paths := []string{".env"}
	if dataDir != "" {
		paths = []string{filepath.Join(dataDir, ".env"), ".env"}
	}

	var envVars map[string]string
	for _, path := range paths {
		vars, err := LoadDotEnv(path)
		if err != nil {
			return err
		}
		if len(vars) > 0 {
			envVars = vars
			break
		}
	}
	if len(envVars) == 0 {
		return nil
	}

	for _, p := range cfg.Providers {
		if p == nil || p.Name == "" {
			continue
		}
		prefix := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_")) + "_"
		for key, value := range envVars {
			if value == "" || !strings.HasPrefix(key, prefix) {
				continue
			}
			param := strings.ToLower(strings.TrimPrefix(key, prefix))
			if param == "" {
				continue
			}
			if p.Params == nil {
				p.Params = make(map[string]string)
			}
			if _, exists := p.Params[param]; !exists {
				p.Params[param] = value
			}
		}
	}

	return nil
}
