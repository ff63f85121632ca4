// Package config loads agentqueue settings.
//
// Settings come from a TOML file, found at the path given on the command
// line or in the first of the standard locations that exists:
//
//	./agentqueue.toml
//	~/.config/agentqueue/config.toml
//
// Environment variables override the file:
//
//	AGENTQUEUE_REDIS_URL (falls back to REDIS_URL)
//	AGENTQUEUE_WORKER
//	AGENTQUEUE_LOG_LEVEL
//	AGENTQUEUE_METRICS_ADDR
//
// Secrets stay out of the main file. A credentials.toml, readable by its
// owner only, may carry the Redis password and a NATS token; see
// LoadCredentials.
//
// Example:
//
//	[redis]
//	url = "redis://localhost:6379/0"
//
//	[consumer]
//	worker = "worker-1"
//	block = "5s"
//
//	[reliability]
//	interval = "30s"
//	idle_threshold = "60s"
//	purge_schedule = "0 3 * * *"
//	purge_max_age = "24h"
//
//	[lease]
//	backend = "redis"
//
//	[metrics]
//	addr = ":9090"
package config
