package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports session events as labelled collectors.
type Prometheus struct {
	messages     *prometheus.CounterVec
	resent       *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	disconnects  *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "messages_total",
				Help:      "FIX messages by session, direction and MsgType.",
			},
			[]string{"session", "direction", "msg_type"},
		),
		resent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "resent_messages_total",
				Help:      "Messages retransmitted in answer to resend requests.",
			},
			[]string{"session"},
		),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "malformed_frames_total",
				Help:      "Inbound frames discarded as malformed.",
			},
			[]string{"session"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "duplicate_messages_total",
				Help:      "Inbound PossDup retransmissions ignored.",
			},
			[]string{"session"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "session_transitions_total",
				Help:      "Session lifecycle transitions by target state.",
			},
			[]string{"session", "state"},
		),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fixengine",
				Name:      "failed_disconnects_total",
				Help:      "Links dropped on failure, by error kind.",
			},
			[]string{"session", "kind"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fixengine",
				Name:      "store_commit_seconds",
				Help:      "Durable store commit latency.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			[]string{"session"},
		),
	}

	for _, c := range []prometheus.Collector{p.messages, p.resent, p.malformed, p.duplicates, p.transitions, p.disconnects, p.storeLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) MessageIn(session, msgType string) {
	p.messages.WithLabelValues(session, "in", msgType).Inc()
}

func (p *Prometheus) MessageOut(session, msgType string) {
	p.messages.WithLabelValues(session, "out", msgType).Inc()
}

func (p *Prometheus) Resend(session string, count int) {
	if count > 0 {
		p.resent.WithLabelValues(session).Add(float64(count))
	}
}

func (p *Prometheus) Malformed(session string) {
	p.malformed.WithLabelValues(session).Inc()
}

func (p *Prometheus) Duplicate(session string) {
	p.duplicates.WithLabelValues(session).Inc()
}

func (p *Prometheus) StateChange(session, _ string, to string) {
	p.transitions.WithLabelValues(session, to).Inc()
}

func (p *Prometheus) StoreLatency(session string, d time.Duration) {
	p.storeLatency.WithLabelValues(session).Observe(d.Seconds())
}

func (p *Prometheus) Disconnect(session, kind string) {
	p.disconnects.WithLabelValues(session, kind).Inc()
}
