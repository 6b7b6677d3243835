// Package app is the UI-facing facade of the key lifecycle.
//
// Responsibilities:
// - Compose vault, generator, recovery flow, cipher and directory.
// - Give every failure exactly one class the UI can act on.
//
// Non-responsibilities:
// - HTTP/CLI protocol handling and rendering.
// - Message transport: envelopes leave this package as values.
package app
