// Package testutil provides fixtures and helpers shared by the package tests:
// a controllable clock, a seeded in-memory store and request builders.
package testutil
