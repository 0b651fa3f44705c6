package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts orders accepted by the lifecycle controller, by side.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_orders_placed_total",
		Help: "Total number of orders placed, by side",
	},
	[]string{"side"},
)

// OrdersSettled counts terminal order outcomes.
var OrdersSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_orders_settled_total",
		Help: "Total number of orders reaching a terminal state, by status",
	},
	[]string{"status"},
)

// LedgerCommits counts realized journal writes by entry type.
var LedgerCommits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_ledger_commits_total",
		Help: "Total number of completed journal entries written, by type",
	},
	[]string{"type"},
)

// ReplaysSuppressed counts duplicate confirmations absorbed by idempotency
// references (payment callbacks, repeated fill notifications).
var ReplaysSuppressed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_replays_suppressed_total",
		Help: "Duplicate external confirmations absorbed without effect",
	},
	[]string{"source"},
)

// RateLookups counts forex rate resolutions by source (live, cached,
// fallback).
var RateLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "wallet_rate_lookups_total",
		Help: "Forex rate lookups by serving source",
	},
	[]string{"source"},
)

// OpLatency records latency distribution for money operations.
var OpLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "wallet_operation_latency_seconds",
		Help:    "Latency in seconds of money operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersSettled, LedgerCommits, ReplaysSuppressed, RateLookups, OpLatency)
}
