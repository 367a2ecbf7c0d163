package registers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dftw-collector/pkg/collector"
	"github.com/dftw-collector/pkg/config"
	"github.com/dftw-collector/pkg/exporter"
	"github.com/dftw-collector/pkg/metrics"
	"github.com/dftw-collector/pkg/module"
	"github.com/dftw-collector/pkg/state"
)

// 编译期检查：注册的模块都实现了生命周期接口
var (
	_ module.Module            = (*collector.GRRHuntArtifactCollector)(nil)
	_ module.Module            = (*collector.GRRHuntFileCollector)(nil)
	_ module.Module            = (*collector.GRRHuntOsqueryCollector)(nil)
	_ module.Module            = (*collector.GRRHuntDownloader)(nil)
	_ module.Module            = (*collector.GRRHuntOsqueryDownloader)(nil)
	_ module.ThreadAwareModule = (*exporter.TimesketchExporter)(nil)
)

// Module 模块注册项：名称 + 构造函数（构造出的实例需实现 module.Module 或 module.ThreadAwareModule）
type Module struct {
	Name    string
	NewFunc func(st *state.State) any
}

// Registry 按名称查找模块构造函数
type Registry struct {
	modules map[string]Module
}

// NewRegistry 创建注册表，名称重复直接报错（避免配方引用到错误的实现）
func NewRegistry(mods ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]Module, len(mods))}
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册单个模块
func (r *Registry) Register(m Module) error {
	if m.Name == "" || m.NewFunc == nil {
		return fmt.Errorf("module registration needs a name and a constructor")
	}
	if _, ok := r.modules[m.Name]; ok {
		return fmt.Errorf("module %s registered twice", m.Name)
	}
	r.modules[m.Name] = m
	return nil
}

// Names 返回所有已注册模块名（排序，便于 CLI 输出）
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create 按名称构造模块实例并校验其实现了生命周期接口
func (r *Registry) Create(name string, st *state.State) (any, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown module %s (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	inst := m.NewFunc(st)
	switch inst.(type) {
	case module.Module, module.ThreadAwareModule:
		return inst, nil
	}
	return nil, fmt.Errorf("module %s does not implement the module lifecycle", name)
}

// DefaultModules 模块注册统一入口（新增模块只需在列表添加一条）
// 配置里的连接信息作为配方参数的默认值，配方显式传参时覆盖。
func DefaultModules(cfg *config.Config) []Module {
	grrOpts := func() []collector.Option {
		return []collector.Option{
			collector.WithDefaults(collector.GRROptions{
				GRRServerURL: cfg.GRR.Endpoint,
				GRRUsername:  cfg.GRR.Username,
				GRRPassword:  cfg.GRR.Password,
				Approvers:    strings.Join(cfg.GRR.Approvers, ","),
				Verify:       cfg.GRR.Verify,
			}),
			collector.WithApprovalPolling(cfg.Pipeline.ApprovalPollInterval, cfg.Pipeline.ApprovalTimeout),
		}
	}

	return []Module{
		{
			Name: "GRRHuntArtifactCollector",
			NewFunc: func(st *state.State) any {
				return collector.NewGRRHuntArtifactCollector(st, grrOpts()...)
			},
		},
		{
			Name: "GRRHuntFileCollector",
			NewFunc: func(st *state.State) any {
				return collector.NewGRRHuntFileCollector(st, grrOpts()...)
			},
		},
		{
			Name: "GRRHuntOsqueryCollector",
			NewFunc: func(st *state.State) any {
				return collector.NewGRRHuntOsqueryCollector(st, grrOpts()...)
			},
		},
		{
			Name: "GRRHuntDownloader",
			NewFunc: func(st *state.State) any {
				return collector.NewGRRHuntDownloader(st, grrOpts()...)
			},
		},
		{
			Name: "GRRHuntOsqueryDownloader",
			NewFunc: func(st *state.State) any {
				return collector.NewGRRHuntOsqueryDownloader(st, grrOpts()...)
			},
		},
		{
			Name: "TimesketchExporter",
			NewFunc: func(st *state.State) any {
				return exporter.NewTimesketchExporter(st,
					exporter.WithDefaults(exporter.TimesketchOptions{
						Endpoint: cfg.Timesketch.Endpoint,
						Username: cfg.Timesketch.Username,
						Password: cfg.Timesketch.Password,
						Verify:   cfg.Timesketch.Verify,
					}),
					exporter.WithTimelinePolling(cfg.Pipeline.TimelinePollInterval, cfg.Pipeline.TimelineTimeout),
					exporter.WithMaxThreads(cfg.Pipeline.MaxThreads),
				)
			},
		},
	}
}

// InitPromRegistry 返回值
// promReg	*prometheus.Registry	Prometheus 指标注册器，供 /metrics 暴露或单元测试
// pipeline	*metrics.Pipeline	    流水线指标，挂到 state 上供各模块记录
func InitPromRegistry(enableProcess bool) (*prometheus.Registry, *metrics.Pipeline) {
	promReg := prometheus.NewRegistry()
	// 仅注册进程指标（可选），不注册Go指标
	if enableProcess {
		promReg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}
	return promReg, metrics.NewPipeline(metrics.NewPromRegistry(promReg))
}
