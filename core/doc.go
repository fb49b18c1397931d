// Package core holds the resilience primitives shared by the outbound
// integrations: circuit breakers for threat feeds, webhooks and HTTP
// actions, and the Redis client used for event fan-out and execution locks.
package core
