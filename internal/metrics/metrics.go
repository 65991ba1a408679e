// Copyright HiveNet. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

// Package metrics exposes the Prometheus counters and gauges the cascade
// orchestrator and delivery facade update as the protocol runs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Registry collects every metric defined here. cmd/client mounts it at
	// /metrics via promhttp when run with -metrics-listen.
	Registry = prometheus.NewRegistry()

	// EpochsAdvanced counts commit deliveries that advanced the local epoch.
	EpochsAdvanced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dds_epochs_advanced_total",
		Help: "Number of times the local epoch advanced on commit delivery.",
	})

	// CommitsDelivered counts commits delivered by the cascade orchestrator,
	// labelled by which stage of the cascade produced the delivery.
	CommitsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_commits_delivered_total",
		Help: "Number of commits delivered, labelled by deciding stage.",
	}, []string{"stage"})

	// RestrainedConsensusInvocations counts how many times Restrained
	// Consensus was started, labelled by role (participant/observer).
	RestrainedConsensusInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_rc_invocations_total",
		Help: "Number of Restrained Consensus invocations, labelled by role.",
	}, []string{"role"})

	// RestrainedConsensusOutcomes counts RC completions, labelled by outcome
	// (decide/bottom).
	RestrainedConsensusOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dds_rc_outcomes_total",
		Help: "Number of Restrained Consensus completions, labelled by outcome.",
	}, []string{"outcome"})

	// PBFTViewChanges counts full-consensus view changes.
	PBFTViewChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dds_pbft_view_changes_total",
		Help: "Number of PBFT-lite view changes performed.",
	})

	// GossipSampleSize tracks the current size of the local gossip sample.
	GossipSampleSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dds_gossip_sample_size",
		Help: "Current size of the local gossip broadcast sample.",
	})

	registerOnce = false
)

// MustRegister registers every metric with Registry. Idempotent: calling it
// more than once (e.g. from multiple tests in the same process) is a no-op
// after the first call.
func MustRegister() {
	if registerOnce {
		return
	}
	registerOnce = true

	Registry.MustRegister(
		EpochsAdvanced,
		CommitsDelivered,
		RestrainedConsensusInvocations,
		RestrainedConsensusOutcomes,
		PBFTViewChanges,
		GossipSampleSize,
	)
}
