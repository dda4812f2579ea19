// Package server implements the Roomcast real-time broadcast service.
//
// The implementation is organized into specialized files for configuration,
// the hub and its registries (presence, rooms, history), client connections,
// the bridge control channel, and HTTP handlers to keep the codebase
// maintainable and testable as the project grows.
package server
