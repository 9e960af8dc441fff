package skclient

import "os"

// Environment variable names. The SUPERKANBAN_* spellings are legacy aliases
// kept for older deployments.
const (
	EnvBaseURL       = "SUPER_KANBAN_BASE_URL"
	EnvBaseURLAlt    = "SUPERKANBAN_BASE_URL"
	EnvToken         = "SUPER_KANBAN_TOKEN"
	EnvTokenAlt      = "SUPERKANBAN_BEARER_TOKEN"
	EnvAPIKey        = "SUPERKANBAN_API_KEY"
	EnvAPIKeyAlt     = "SUPER_KANBAN_API_KEY"
	EnvAuthHeader    = "SUPER_KANBAN_AUTH_HEADER"
	EnvLabelMapPath  = "SUPER_KANBAN_LABEL_MAP_PATH"
)

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// OptionsFromEnv builds client options from the environment. Explicit values
// already present in opts win over the environment.
func OptionsFromEnv(opts Options) Options {
	if opts.BaseURL == "" {
		opts.BaseURL = firstEnv(EnvBaseURL, EnvBaseURLAlt)
	}
	if opts.Auth == nil {
		opts.Auth = &Auth{}
	}
	if opts.Auth.BearerToken == "" {
		opts.Auth.BearerToken = firstEnv(EnvToken, EnvTokenAlt)
	}
	if opts.Auth.APIKey == "" {
		opts.Auth.APIKey = firstEnv(EnvAPIKey, EnvAPIKeyAlt)
	}
	if opts.Auth.LegacyHeader == nil {
		if raw := os.Getenv(EnvAuthHeader); raw != "" {
			opts.Auth.LegacyHeader = ParseHeaderPair(raw)
		}
	}
	return opts
}
