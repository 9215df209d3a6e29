// Package config loads the MedStaff server configuration from a JSON or YAML
// file, applies MEDSTAFF_* environment overrides and fills in defaults.
package config
