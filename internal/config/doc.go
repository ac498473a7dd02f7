// SPDX-License-Identifier: MPL-2.0

// Package config loads global user settings from
// $XDG_CONFIG_HOME/avocado/config.cue. The file is validated against an
// embedded CUE schema, merged over defaults in a viper instance and
// overridden by AVOCADO_* environment variables. Project configuration
// (avocado.yaml) lives in the composer package, not here.
package config
