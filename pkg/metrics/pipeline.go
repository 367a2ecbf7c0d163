package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline 配方运行期间记录的指标；nil 上调用不做任何事
type Pipeline struct {
	stageDuration *prometheus.HistogramVec
	moduleErrors  *prometheus.CounterVec
	huntsCreated  *prometheus.CounterVec
	filesImported *prometheus.CounterVec
	diskFree      *prometheus.GaugeVec
}

// NewPipeline 在 reg 上注册流水线指标
func NewPipeline(reg Registers) *Pipeline {
	f := NewMetricFactory(reg)
	return &Pipeline{
		stageDuration: f.NewModuleStageDurationSeconds(),
		moduleErrors:  f.NewModuleErrorsTotal(),
		huntsCreated:  f.NewHuntsCreatedTotal(),
		filesImported: f.NewFilesImportedTotal(),
		diskFree:      f.NewOutputDiskFreeBytes(),
	}
}

// ObserveStage 记录模块单个阶段耗时
func (p *Pipeline) ObserveStage(module, stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(module, stage).Observe(d.Seconds())
}

// IncModuleError 模块错误计数
func (p *Pipeline) IncModuleError(module string, critical bool) {
	if p == nil {
		return
	}
	p.moduleErrors.WithLabelValues(module, strconv.FormatBool(critical)).Inc()
}

// IncHuntCreated 按 flow 统计创建的 hunt
func (p *Pipeline) IncHuntCreated(flow string) {
	if p == nil {
		return
	}
	p.huntsCreated.WithLabelValues(flow).Inc()
}

// IncFileImported 导入尝试计数（成功/失败）
func (p *Pipeline) IncFileImported(ok bool) {
	if p == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.filesImported.WithLabelValues(result).Inc()
}

// SetDiskFree 记录模块输出目录所在磁盘的剩余空间
func (p *Pipeline) SetDiskFree(module string, free uint64) {
	if p == nil {
		return
	}
	p.diskFree.WithLabelValues(module).Set(float64(free))
}
