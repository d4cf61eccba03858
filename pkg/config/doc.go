// Package config loads typed configuration from environment variables.
//
// It wraps github.com/caarlos0/env/v11 for struct tag parsing and
// github.com/joho/godotenv for dotenv files. Values from a dotenv file only
// fill gaps: the process environment always takes precedence.
//
//	type EngineConfig struct {
//		BackendURL     string        `env:"QUOTAKIT_BACKEND_URL,required"`
//		ConfirmTimeout time.Duration `env:"QUOTAKIT_CONFIRM_TIMEOUT" envDefault:"10s"`
//	}
//
//	var cfg EngineConfig
//	if err := config.Load(&cfg, config.WithEnvFiles("local.env")); err != nil {
//		return err
//	}
//
// Without WithEnvFiles, Load reads ./.env when it exists. Parsing failures
// wrap ErrParsingConfig; unreadable explicit files wrap ErrEnvFile.
package config
