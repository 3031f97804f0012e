// Package monitoring exports pipeline metrics and watches for runs that
// stopped making progress.
package monitoring

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"lora-orchestrator/core/models"
)

// DropCounter reports notifications dropped for slow subscribers
type DropCounter interface {
	Dropped() uint64
}

type taskKey struct {
	task   string
	result string
}

// Metrics counts pipeline activity and renders it in the Prometheus text
// format
type Metrics struct {
	mu               sync.Mutex
	statusEvents     map[models.Status]uint64
	dispatchFailures map[string]uint64
	tasks            map[taskKey]uint64
	stalledRuns      uint64
	releasedGPUs     uint64
	drops            DropCounter
}

// NewMetrics creates an empty metrics registry. drops may be nil.
func NewMetrics(drops DropCounter) *Metrics {
	return &Metrics{
		statusEvents:     make(map[models.Status]uint64),
		dispatchFailures: make(map[string]uint64),
		tasks:            make(map[taskKey]uint64),
		drops:            drops,
	}
}

// RecordStatus counts an accepted status event
func (m *Metrics) RecordStatus(status models.Status) {
	m.mu.Lock()
	m.statusEvents[status]++
	m.mu.Unlock()
}

// RecordDispatchFailure counts a task that could not be enqueued
func (m *Metrics) RecordDispatchFailure(task string) {
	m.mu.Lock()
	m.dispatchFailures[task]++
	m.mu.Unlock()
}

// RecordTask counts a processed queue message by task and result
func (m *Metrics) RecordTask(task, result string) {
	m.mu.Lock()
	m.tasks[taskKey{task: task, result: result}]++
	m.mu.Unlock()
}

func (m *Metrics) recordSweep(stalled, released int) {
	m.mu.Lock()
	m.stalledRuns += uint64(stalled)
	m.releasedGPUs += uint64(released)
	m.mu.Unlock()
}

// GetPrometheusMetrics returns metrics in Prometheus format
func (m *Metrics) GetPrometheusMetrics() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP status_events_total Status events accepted by status code\n")
	b.WriteString("# TYPE status_events_total counter\n")
	statuses := make([]string, 0, len(m.statusEvents))
	for s := range m.statusEvents {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "status_events_total{status=%q} %d\n", s, m.statusEvents[models.Status(s)])
	}

	b.WriteString("# HELP dispatch_failures_total Follow-up tasks that could not be enqueued\n")
	b.WriteString("# TYPE dispatch_failures_total counter\n")
	for _, task := range sortedKeys(m.dispatchFailures) {
		fmt.Fprintf(&b, "dispatch_failures_total{task=%q} %d\n", task, m.dispatchFailures[task])
	}

	b.WriteString("# HELP tasks_processed_total Queue messages handled by task and result\n")
	b.WriteString("# TYPE tasks_processed_total counter\n")
	keys := make([]taskKey, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].task != keys[j].task {
			return keys[i].task < keys[j].task
		}
		return keys[i].result < keys[j].result
	})
	for _, k := range keys {
		fmt.Fprintf(&b, "tasks_processed_total{task=%q,result=%q} %d\n", k.task, k.result, m.tasks[k])
	}

	b.WriteString("# HELP stalled_runs_total Runs failed by the stall monitor\n")
	b.WriteString("# TYPE stalled_runs_total counter\n")
	fmt.Fprintf(&b, "stalled_runs_total %d\n", m.stalledRuns)

	b.WriteString("# HELP gpu_instances_released_total GPU instances terminated after their run finished\n")
	b.WriteString("# TYPE gpu_instances_released_total counter\n")
	fmt.Fprintf(&b, "gpu_instances_released_total %d\n", m.releasedGPUs)

	if m.drops != nil {
		b.WriteString("# HELP notifications_dropped_total Notifications dropped for slow subscribers\n")
		b.WriteString("# TYPE notifications_dropped_total counter\n")
		fmt.Fprintf(&b, "notifications_dropped_total %d\n", m.drops.Dropped())
	}

	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
