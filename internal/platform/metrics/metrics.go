// Package metrics holds the prometheus collectors of the key lifecycle.
// All methods are nil-safe so components can run without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "neighborly_e2ee"

const (
	ResultOK          = "ok"
	ResultError       = "error"
	ResultRejected    = "rejected"
	ResultUnsupported = "unsupported"
)

type KeyLifecycle struct {
	keysGenerated   prometheus.Counter
	publishAttempts *prometheus.CounterVec
	publishPending  prometheus.Gauge
	recoveryOps     *prometheus.CounterVec
	cipherOps       *prometheus.CounterVec
	vaultErrors     *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg keeps them unregistered.
func New(reg prometheus.Registerer) (*KeyLifecycle, error) {
	m := &KeyLifecycle{
		keysGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_generated_total",
			Help:      "Keypairs generated and stored by this process.",
		}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_publish_attempts_total",
			Help:      "Public key directory publish attempts by result.",
		}, []string{"result"}),
		publishPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_publish_pending",
			Help:      "Users whose public key publish is queued for retry.",
		}),
		recoveryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_operations_total",
			Help:      "Backup and restore operations by outcome.",
		}, []string{"operation", "outcome"}),
		cipherOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cipher_operations_total",
			Help:      "Envelope encrypt/decrypt operations by result.",
		}, []string{"operation", "result"}),
		vaultErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_errors_total",
			Help:      "Vault operations that failed with the storage unavailable.",
		}, []string{"operation"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.keysGenerated, m.publishAttempts, m.publishPending, m.recoveryOps, m.cipherOps, m.vaultErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *KeyLifecycle) KeyGenerated() {
	if m == nil {
		return
	}
	m.keysGenerated.Inc()
}

func (m *KeyLifecycle) PublishAttempt(result string) {
	if m == nil {
		return
	}
	m.publishAttempts.WithLabelValues(result).Inc()
}

func (m *KeyLifecycle) SetPublishPending(n int) {
	if m == nil {
		return
	}
	m.publishPending.Set(float64(n))
}

func (m *KeyLifecycle) RecoveryOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.recoveryOps.WithLabelValues(operation, outcome).Inc()
}

func (m *KeyLifecycle) CipherOp(operation, result string) {
	if m == nil {
		return
	}
	m.cipherOps.WithLabelValues(operation, result).Inc()
}

func (m *KeyLifecycle) VaultError(operation string) {
	if m == nil {
		return
	}
	m.vaultErrors.WithLabelValues(operation).Inc()
}
