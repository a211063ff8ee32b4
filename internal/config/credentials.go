package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"order-planner/internal/core"
)

const envPrefix = "planner"

// LoadCredentials reads PLANNER_<EXCHANGE>_API_KEY and
// PLANNER_<EXCHANGE>_API_SECRET for every named exchange. Exchanges with
// neither variable set are left out; setting only one half is an error.
func LoadCredentials(exchanges []string) (map[string]core.Credentials, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	out := make(map[string]core.Credentials, len(exchanges))
	for _, name := range exchanges {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		key := strings.TrimSpace(v.GetString(name + ".api_key"))
		secret := strings.TrimSpace(v.GetString(name + ".api_secret"))
		if key == "" && secret == "" {
			continue
		}
		creds, err := core.NewCredentials(key, []byte(secret))
		if err != nil {
			return nil, fmt.Errorf("credentials for %s (%s): %w", name, EnvName(name, "api_key"), err)
		}
		out[name] = creds
	}
	return out, nil
}

// EnvName renders the environment variable consulted for an exchange field.
func EnvName(exchange, field string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return strings.ToUpper(envPrefix + "_" + r.Replace(exchange) + "_" + field)
}
