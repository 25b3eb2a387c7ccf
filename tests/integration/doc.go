// Package integration runs the transcript stores and the Redis cache
// against real PostgreSQL, MongoDB and Redis instances started with
// testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
