package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector counts orchestration events. It implements
// ports.Metrics and is safe from every goroutine in the capture path.
type PrometheusCollector struct {
	connectionsActive prometheus.Gauge
	sessionsActive    prometheus.Gauge
	framesReceived    prometheus.Counter
	framesAcked       prometheus.Counter
	framesDropped     prometheus.Counter
	eventQueueDepth   prometheus.Gauge
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vidtap_connections_active",
			Help: "Number of attached target connections",
		}),

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vidtap_sessions_active",
			Help: "Number of running capture sessions (0 or 1)",
		}),

		framesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vidtap_frames_received_total",
			Help: "Total video frame commits accepted into a session",
		}),

		framesAcked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vidtap_frames_acked_total",
			Help: "Total video frames consumed by the encoder and released to the target",
		}),

		framesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vidtap_frames_dropped_total",
			Help: "Total video frame commits dropped after receiver stop",
		}),

		eventQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vidtap_event_queue_depth",
			Help: "Control messages waiting for the main loop dispatcher",
		}),
	}
}

func (c *PrometheusCollector) ConnectionAdded()   { c.connectionsActive.Inc() }
func (c *PrometheusCollector) ConnectionRemoved() { c.connectionsActive.Dec() }
func (c *PrometheusCollector) SessionStarted()    { c.sessionsActive.Inc() }
func (c *PrometheusCollector) SessionEnded()      { c.sessionsActive.Dec() }
func (c *PrometheusCollector) FrameReceived()     { c.framesReceived.Inc() }
func (c *PrometheusCollector) FrameAcked()        { c.framesAcked.Inc() }
func (c *PrometheusCollector) FrameDropped()      { c.framesDropped.Inc() }

func (c *PrometheusCollector) EventQueueDepth(depth int) {
	c.eventQueueDepth.Set(float64(depth))
}
