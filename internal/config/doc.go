// Package config loads ava.yaml.
//
// Precedence, lowest first: built-in defaults, the YAML file, environment
// variables. Command-line flags are applied by the caller on top.
//
// The raw YAML document is checked against an embedded CUE schema before
// it is decoded, so unknown keys and bad enum values fail early with the
// offending path.
//
// Environment variables:
//
//	AVA_BACKEND_URL       backend.url (fallbacks NEXT_PUBLIC_API_URL, APP_BACKEND_URL)
//	AVA_REALTIME_URL      realtime.url (fallback NEXT_PUBLIC_REALTIME_URL)
//	AVA_DB                store.path
//	AVA_LOG_LEVEL         log.level
//	AVA_TOKEN             access token
//	AVA_REFRESH_TOKEN     refresh token
package config
