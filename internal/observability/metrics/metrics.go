package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics exposes counters/gauges/histograms for the message
// pipeline: pre-queue, dispatch, delivery reconciliation and webhook fan-out.
type PipelineMetrics struct {
	preQueueBatch   prometheus.Histogram
	dispatchTotal   *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	statusTotal     *prometheus.CounterVec
	webhookTotal    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		preQueueBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sengine",
			Subsystem: "drip",
			Name:      "prequeue_batch_size",
			Help:      "Rows promoted to queued per pre-queue cycle",
			Buckets:   []float64{0, 1, 10, 50, 100, 500, 1000, 2000},
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sengine",
			Subsystem: "drip",
			Name:      "dispatch_total",
			Help:      "Total dispatched drip messages by outcome",
		}, []string{"outcome"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sengine",
			Subsystem: "drip",
			Name:      "dispatch_seconds",
			Help:      "Dispatch handler duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		statusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sengine",
			Subsystem: "messaging",
			Name:      "status_callback_total",
			Help:      "Provider status callbacks by mapped status",
		}, []string{"status"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sengine",
			Subsystem: "webhooks",
			Name:      "delivery_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sengine",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Ready messages per queue",
		}, []string{"queue"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.preQueueBatch, m.dispatchTotal, m.dispatchSeconds,
		m.statusTotal, m.webhookTotal, m.queueDepth)
	return m
}

func (m *PipelineMetrics) ObservePreQueueBatch(size int) {
	if m == nil {
		return
	}
	m.preQueueBatch.Observe(float64(size))
}

func (m *PipelineMetrics) ObserveDispatch(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchSeconds.WithLabelValues(outcome).Observe(seconds)
}

func (m *PipelineMetrics) ObserveStatusCallback(status string) {
	if m == nil {
		return
	}
	m.statusTotal.WithLabelValues(status).Inc()
}

func (m *PipelineMetrics) ObserveWebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}
