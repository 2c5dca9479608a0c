//go:build ignore

// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

// Legacy stub file intentionally ignored by the Go build.
// Real implementations live in: conn.go, shared.go, queue_repo.go,
// posts_repo.go, checkpoint_metrics_repo.go, circuit_breaker_repo.go,
// aggregates_repo.go, alerts_repo.go, feed_repo.go, embeddings_repo.go,
// runlog_repo.go, cleanup.go.
