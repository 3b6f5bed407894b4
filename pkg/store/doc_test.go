package store_test

// Integration tests for this package live in store_integration_test.go,
// gated behind the "integration" build tag since they need a real
// Postgres instance (spun up via testcontainers-go).
