package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// DirectoryServer counts requests served by the public key directory.
type DirectoryServer struct {
	requests    *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func NewDirectoryServer(reg prometheus.Registerer) (*DirectoryServer, error) {
	m := &DirectoryServer{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "requests_total",
			Help:      "Directory HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "publish_rate_limited_total",
			Help:      "Publishes rejected by the per-user rate limit.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.requests, m.rateLimited} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *DirectoryServer) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *DirectoryServer) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
