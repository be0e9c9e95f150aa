// Package config loads the gateway configuration from FOLIO_* environment
// variables and the optional rate-limit override file.
package config
