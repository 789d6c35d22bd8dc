package metrics

import "github.com/prometheus/client_golang/prometheus"

// promSet holds process-level Prometheus collectors exposed on the admin
// router. Registration tolerates duplicates so tests can build multiple
// collectors in one process.
type promSet struct {
	messagesProcessed *prometheus.CounterVec
	spamDetected      *prometheus.CounterVec
	actions           *prometheus.CounterVec
	errors            *prometheus.CounterVec
	workerRestarts    prometheus.Counter
}

func newPromSet() *promSet {
	s := &promSet{
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamshield",
			Name:      "messages_processed_total",
			Help:      "Count of messages scanned per group",
		}, []string{"group"}),
		spamDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamshield",
			Name:      "spam_detected_total",
			Help:      "Count of messages flagged as spam per group",
		}, []string{"group"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamshield",
			Name:      "spam_actions_total",
			Help:      "Count of actions taken against flagged messages",
		}, []string{"action", "success"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spamshield",
			Name:      "errors_total",
			Help:      "Count of processing errors by type",
		}, []string{"type"}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "spamshield",
			Name:      "worker_restarts_total",
			Help:      "Count of unhealthy worker restarts",
		}),
	}

	collectors := []prometheus.Collector{s.messagesProcessed, s.spamDetected, s.actions, s.errors, s.workerRestarts}
	for i, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					switch i {
					case 0:
						s.messagesProcessed = existing
					case 1:
						s.spamDetected = existing
					case 2:
						s.actions = existing
					case 3:
						s.errors = existing
					}
				case prometheus.Counter:
					s.workerRestarts = existing
				}
			}
		}
	}
	return s
}

// WorkerRestarted increments the restart counter.
func (c *Collector) WorkerRestarted() {
	c.prom.workerRestarts.Inc()
}
