/*
Package monitoring provides Prometheus-based metrics collection for the
terminal subsystem.

# Overview

Tracks HTTP requests, terminal session lifecycle, host process restarts,
storm suppression, bridge reconnects, performance alerts, and WebSocket
traffic.

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record terminal activity
	metrics.SetTerminalsActive(3)
	metrics.RecordDataChunk(len(chunk))

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
