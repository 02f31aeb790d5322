// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	workers      prometheus.Gauge
	launches     *prometheus.CounterVec // result=started|lock_held|owned|failed
	terminations *prometheus.CounterVec // reason=room_gone|shutdown
	exits        *prometheus.CounterVec // code
	orphans      prometheus.Counter
	strays       prometheus.Counter
	listFailures prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_supervisor_workers",
			Help: "Workers currently tracked by this supervisor",
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_supervisor_launches_total",
			Help: "Worker launch attempts by result",
		}, []string{"result"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_supervisor_terminations_total",
			Help: "Workers terminated by the supervisor, by reason",
		}, []string{"reason"}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_supervisor_worker_exits_total",
			Help: "Workers that exited on their own, by exit code",
		}, []string{"code"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_supervisor_orphans_reaped_total",
			Help: "Untagged worker processes killed",
		}),
		strays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_supervisor_strays_killed_total",
			Help: "Stray room workers signalled before a launch",
		}),
		listFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_supervisor_room_list_failures_total",
			Help: "Room directory listings that failed",
		}),
	}
	registerer.MustRegister(m.workers, m.launches, m.terminations, m.exits, m.orphans, m.strays, m.listFailures)
	return m
}
