// Copyright 2024-2026 Aiku AI

// Package metrics holds the bridge's Prometheus counters. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mautrix_slack"

// Metrics is the set of counters exported on /metrics.
type Metrics struct {
	MessagesConverted *prometheus.CounterVec
	ProfileUpdates    *prometheus.CounterVec
	UsernameLookups   *prometheus.CounterVec
	MatrixSends       *prometheus.CounterVec
	SlackEvents       *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesConverted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_converted_total",
			Help:      "Slack messages run through the converter, by outcome.",
		}, []string{"outcome"}),
		ProfileUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ghost_profile_updates_total",
			Help:      "Ghost profile fields written to Matrix, by field.",
		}, []string{"field"}),
		UsernameLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "username_lookups_total",
			Help:      "Slack to Matrix username resolutions, by tier that answered.",
		}, []string{"source"}),
		MatrixSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matrix_sends_total",
			Help:      "Events sent to Matrix by ghosts, by event kind and result.",
		}, []string{"kind", "result"}),
		SlackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slack_events_total",
			Help:      "Events received from Slack, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesConverted, m.ProfileUpdates, m.UsernameLookups, m.MatrixSends, m.SlackEvents)
	}
	return m
}

func (m *Metrics) ObserveConversion(outcome string) {
	if m == nil {
		return
	}
	m.MessagesConverted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveProfileUpdate(field string) {
	if m == nil {
		return
	}
	m.ProfileUpdates.WithLabelValues(field).Inc()
}

func (m *Metrics) ObserveUsernameLookup(source string) {
	if m == nil {
		return
	}
	m.UsernameLookups.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveSend(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MatrixSends.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveSlackEvent(eventType string) {
	if m == nil {
		return
	}
	m.SlackEvents.WithLabelValues(eventType).Inc()
}
