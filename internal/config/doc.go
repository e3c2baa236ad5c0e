// Package config loads, validates, and normalizes Roam configuration from
// TOML files.
//
// Configuration resolution prefers an explicit path, then
// ~/.config/roam/config.toml, then a project-local roam.toml. Missing files
// are not an error; defaults apply. All path fields are tilde-expanded and
// made absolute during normalization.
package config
