// Package metrics exposes the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts task submissions.
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webagent",
		Name:      "tasks_created_total",
		Help:      "Number of tasks submitted to the registry.",
	})

	// TasksFinished counts terminal task outcomes by status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webagent",
		Name:      "tasks_finished_total",
		Help:      "Number of tasks reaching a terminal status.",
	}, []string{"status"})

	// NodesExecuted counts dispatched nodes by terminal status.
	NodesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webagent",
		Name:      "nodes_executed_total",
		Help:      "Number of execution nodes dispatched, by outcome.",
	}, []string{"status"})

	// CorrectionRounds counts planner correction rounds.
	CorrectionRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webagent",
		Name:      "correction_rounds_total",
		Help:      "Number of self-correction subplans requested from the planner.",
	})
)
