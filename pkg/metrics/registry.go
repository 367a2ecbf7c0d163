package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registers 接口隔离 Prometheus 的默认实现，便于单测替换。
type Registers interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// promRegistry 包裹官方的 *prometheus.Registry
type promRegistry struct {
	registry *prometheus.Registry
}

// NewPromRegistry 创建指标注册器。registry 为 nil 时新建一个。
func NewPromRegistry(registry *prometheus.Registry) Registers {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &promRegistry{registry: registry}
}

// MustRegister 实现 prometheus.Registerer
func (p *promRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			panic(err)
		}
	}
}

// Unregister 实现 prometheus.Registerer
func (p *promRegistry) Unregister(collector prometheus.Collector) bool {
	return p.registry.Unregister(collector)
}

// Register 实现 prometheus.Registerer
func (p *promRegistry) Register(collector prometheus.Collector) error {
	return p.registry.Register(collector)
}

// Gather 实现 prometheus.Gatherer，供 /metrics 使用
func (p *promRegistry) Gather() ([]*dto.MetricFamily, error) {
	return p.registry.Gather()
}
