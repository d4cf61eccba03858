package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read by Load when it exists and no other files are given.
const DefaultEnvFile = ".env"

type options struct {
	prefix   string
	files    []string
	optional bool
	environ  map[string]string
}

// Option configures Load.
type Option func(*options)

// WithPrefix prepends prefix to every variable name, so `env:"ADDR"` reads
// PREFIX_ADDR when prefix is "PREFIX_".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithEnvFiles reads the given dotenv files instead of DefaultEnvFile. Later
// files win over earlier ones; missing files are an error.
func WithEnvFiles(files ...string) Option {
	return func(o *options) {
		o.files = files
		o.optional = false
	}
}

// WithEnviron replaces the process environment. Tests use it to parse a
// fixed set of variables without touching os.Environ.
func WithEnviron(environ map[string]string) Option {
	return func(o *options) { o.environ = maps.Clone(environ) }
}

// Load parses environment variables into v according to its `env` and
// `envDefault` struct tags.
//
// Values from dotenv files fill in what the process environment leaves
// unset; the process environment always wins.
//
//	type ServeConfig struct {
//		Addr string `env:"HTTP_ADDR" envDefault:":8080"`
//		DSN  string `env:"PG_CONN_URL,required"`
//	}
//
//	var cfg ServeConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T, opts ...Option) error {
	if v == nil {
		return ErrNilPointer
	}

	o := &options{files: []string{DefaultEnvFile}, optional: true}
	for _, opt := range opts {
		opt(o)
	}

	environ, err := o.environment()
	if err != nil {
		return err
	}

	if err := env.ParseWithOptions(v, env.Options{
		Prefix:      o.prefix,
		Environment: environ,
	}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad is like Load but panics on error. Use it for configuration the
// process cannot start without.
func MustLoad[T any](v *T, opts ...Option) {
	if err := Load(v, opts...); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func (o *options) environment() (map[string]string, error) {
	out := make(map[string]string)
	for _, file := range o.files {
		values, err := godotenv.Read(file)
		if err != nil {
			if o.optional && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, errors.Join(ErrEnvFile, err)
		}
		maps.Copy(out, values)
	}

	if o.environ != nil {
		maps.Copy(out, o.environ)
		return out, nil
	}
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			out[k] = val
		}
	}
	return out, nil
}
