package metrics

import "github.com/prometheus/client_golang/prometheus"

// MetricFactory 指标工厂，用于统一创建并注册指标。
type MetricFactory struct {
	reg Registers
}

// NewMetricFactory 创建指标工厂
func NewMetricFactory(reg Registers) *MetricFactory {
	return &MetricFactory{reg: reg}
}

// NewModuleStageDurationSeconds 每个模块各阶段（setup/preprocess/process/postprocess）的耗时
func (m *MetricFactory) NewModuleStageDurationSeconds() *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dftw_module_stage_duration_seconds",
		Help:    "Duration of each module lifecycle stage",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"module", "stage"})
	m.reg.MustRegister(h)
	return h
}

// NewModuleErrorsTotal 模块错误数，critical 标签区分是否中止流程
func (m *MetricFactory) NewModuleErrorsTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dftw_module_errors_total",
		Help: "Errors recorded by modules",
	}, []string{"module", "critical"})
	m.reg.MustRegister(c)
	return c
}

// NewHuntsCreatedTotal 按 flow 统计创建的 GRR hunt
func (m *MetricFactory) NewHuntsCreatedTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dftw_grr_hunts_created_total",
		Help: "GRR hunts created",
	}, []string{"flow"})
	m.reg.MustRegister(c)
	return c
}

// NewFilesImportedTotal 导入 Timesketch 的文件数
func (m *MetricFactory) NewFilesImportedTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dftw_timesketch_files_imported_total",
		Help: "Files imported into Timesketch",
	}, []string{"result"})
	m.reg.MustRegister(c)
	return c
}

// NewOutputDiskFreeBytes 下载目录所在磁盘的剩余空间（字节）
func (m *MetricFactory) NewOutputDiskFreeBytes() *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dftw_output_disk_free_bytes",
		Help: "Free bytes on the disk holding downloaded hunt results",
	}, []string{"module"})
	m.reg.MustRegister(g)
	return g
}
