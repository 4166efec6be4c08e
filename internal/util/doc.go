// Package util holds small helpers shared by the storage and server packages.
//
//   - SafeTruncate shortens secrets before they are logged
//   - IsLoopbackHostname recognizes loopback redirect hosts for native apps
package util
