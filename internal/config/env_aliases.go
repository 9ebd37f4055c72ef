package config

import (
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "INTAKE"

// DefaultEnvAliases maps config keys to the legacy environment variable
// names that older deployments still export. The prefixed INTAKE_ name
// always takes precedence over an alias.
func DefaultEnvAliases() map[string][]string {
	aliases := map[string][]string{
		"broker.host":        {"AWSIP"},
		"broker.port":        {"AWSPORT"},
		"enrichment.api_key": {"OPENAI_API_KEY"},
		"store.dsn":          {"DATABASE_URL"},
	}

	copy := make(map[string][]string, len(aliases))
	for key, list := range aliases {
		copy[key] = append([]string(nil), list...)
	}
	return copy
}

// envName is the prefixed variable viper derives for key.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func bindEnvAliases(v *viper.Viper, aliases map[string][]string) error {
	for key, names := range aliases {
		input := append([]string{key, envName(key)}, names...)
		if err := v.BindEnv(input...); err != nil {
			return err
		}
	}
	return nil
}
