// Package transport wraps HTTP access to the backend so the sync engine can
// be exercised against fakes in tests.
package transport
