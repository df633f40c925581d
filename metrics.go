// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package persist

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricRowStoreHits       = "rowstore_hits_total"
	MetricRowStoreMisses     = "rowstore_misses_total"
	MetricRowStoreEvictions  = "rowstore_evictions_total"
	MetricRowStorePuts       = "rowstore_puts_total"
	MetricCommits            = "commits_total"
	MetricCommitFailures     = "commit_failures_total"
	MetricStatements         = "statements_total"
	MetricConnectionsOpened  = "connections_opened_total"
	MetricQueries            = "queries_total"
	MetricTransactionsClosed = "transactions_total"
)

var CounterRowStoreHits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricRowStoreHits,
		Help:      "Row snapshot lookups served from the shared row store.",
	},
)

var CounterRowStoreMisses = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricRowStoreMisses,
		Help:      "Row snapshot lookups that missed or found an expired entry.",
	},
)

var CounterRowStoreEvictions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricRowStoreEvictions,
		Help:      "Snapshots evicted from the row store to respect its size bound.",
	},
)

var CounterRowStorePuts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricRowStorePuts,
		Help:      "Snapshots stored in the row store.",
	},
)

var CounterCommits = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricCommits,
		Help:      "Root context commits that reached a data node.",
	},
)

var CounterCommitFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricCommitFailures,
		Help:      "Root context commits that were rolled back.",
	},
)

var CounterStatements = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricStatements,
		Help:      "Write operations generated by commits.",
	},
	[]string{
		"type",
	},
)

var CounterConnectionsOpened = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricConnectionsOpened,
		Help:      "Connections opened by data nodes.",
	},
	[]string{
		"node",
	},
)

var CounterQueries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricQueries,
		Help:      "Queries dispatched to data nodes.",
	},
	[]string{
		"node",
	},
)

var CounterTransactions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "persist",
		Name:      MetricTransactionsClosed,
		Help:      "Transactions by final status.",
	},
	[]string{
		"status",
	},
)

func init() {
	prometheus.MustRegister(CounterRowStoreHits)
	prometheus.MustRegister(CounterRowStoreMisses)
	prometheus.MustRegister(CounterRowStoreEvictions)
	prometheus.MustRegister(CounterRowStorePuts)
	prometheus.MustRegister(CounterCommits)
	prometheus.MustRegister(CounterCommitFailures)
	prometheus.MustRegister(CounterStatements)
	prometheus.MustRegister(CounterConnectionsOpened)
	prometheus.MustRegister(CounterQueries)
	prometheus.MustRegister(CounterTransactions)
}
