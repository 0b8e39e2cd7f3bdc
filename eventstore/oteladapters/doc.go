// Package oteladapters plugs OpenTelemetry into the observability interfaces of package eventstore.
//
//	storage, _ := postgresengine.NewEventStorageFromPGXPool(pool,
//		postgresengine.WithMetrics(oteladapters.NewMetricsCollector(otel.Meter("eventstore"))),
//		postgresengine.WithTracing(oteladapters.NewTracingCollector(otel.Tracer("eventstore"))),
//		postgresengine.WithContextualLogger(oteladapters.NewSlogBridgeLogger("eventstore")),
//	)
package oteladapters
