package registers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	dferrors "github.com/dftw-collector/pkg/errors"
	"github.com/dftw-collector/pkg/module"
	"github.com/dftw-collector/pkg/recipe"
	"github.com/dftw-collector/pkg/state"
)

const defaultMaxThreads = 4

// 生命周期阶段名，同时作为指标的 stage 标签
const (
	StageSetUp       = "setup"
	StagePreProcess  = "preprocess"
	StageProcess     = "process"
	StagePostProcess = "postprocess"
)

// Runner 按配方顺序驱动模块的生命周期
type Runner struct {
	registry   *Registry
	state      *state.State
	maxThreads int
	logger     *zap.Logger
}

// NewRunner 创建执行器；maxThreads 为 ThreadAware 模块未声明并发数时的默认值
func NewRunner(reg *Registry, st *state.State, maxThreads int) *Runner {
	if maxThreads <= 0 {
		maxThreads = defaultMaxThreads
	}
	return &Runner{
		registry:   reg,
		state:      st,
		maxThreads: maxThreads,
		logger:     st.Logger().Named("runner"),
	}
}

type instance struct {
	name string
	impl any
	args map[string]any
}

// Run 执行配方：先依次 SetUp 全部模块，再逐个执行 PreProcess → Process → PostProcess。
// 任一阶段出现 critical 错误即停止，返回该错误。
func (r *Runner) Run(ctx context.Context, rcp *recipe.Recipe) error {
	for k, v := range rcp.Metadata() {
		r.state.Recipe[k] = v
	}

	instances := make([]instance, 0, len(rcp.Modules))
	for _, ms := range rcp.Modules {
		impl, err := r.registry.Create(ms.Name, r.state)
		if err != nil {
			return err
		}
		instances = append(instances, instance{name: ms.Name, impl: impl, args: ms.Args})
	}

	r.logger.Info("running recipe",
		zap.String("recipe", rcp.Name),
		zap.String("run_id", r.state.RunID),
		zap.Int("modules", len(instances)))

	// SetUp 全部完成后才开始处理，参数错误尽早暴露
	for _, inst := range instances {
		err := r.stage(ctx, inst.name, StageSetUp, func(ctx context.Context) error {
			return setUp(ctx, inst.impl, inst.args)
		})
		if err != nil {
			return err
		}
	}

	for _, inst := range instances {
		if err := r.runModule(ctx, inst); err != nil {
			return err
		}
	}
	r.logger.Info("recipe finished", zap.String("recipe", rcp.Name), zap.Int("errors", len(r.state.Errors())))
	return nil
}

func setUp(ctx context.Context, impl any, args map[string]any) error {
	switch m := impl.(type) {
	case module.Module:
		return m.SetUpWithArgs(ctx, args)
	case module.ThreadAwareModule:
		return m.SetUpWithArgs(ctx, args)
	}
	return fmt.Errorf("unsupported module type %T", impl)
}

func (r *Runner) runModule(ctx context.Context, inst instance) error {
	switch m := inst.impl.(type) {
	case module.Module:
		if err := r.stage(ctx, inst.name, StagePreProcess, m.PreProcess); err != nil {
			return err
		}
		if err := r.stage(ctx, inst.name, StageProcess, m.Process); err != nil {
			return err
		}
		return r.stage(ctx, inst.name, StagePostProcess, m.PostProcess)

	case module.ThreadAwareModule:
		if err := r.stage(ctx, inst.name, StagePreProcess, m.PreProcess); err != nil {
			return err
		}
		err := r.stage(ctx, inst.name, StageProcess, func(ctx context.Context) error {
			return r.processThreaded(ctx, inst.name, m)
		})
		if err != nil {
			return err
		}
		return r.stage(ctx, inst.name, StagePostProcess, m.PostProcess)
	}
	return fmt.Errorf("unsupported module type %T", inst.impl)
}

// processThreaded 每个容器调用一次 Process，并发数受模块 MaxThreads 约束
func (r *Runner) processThreaded(ctx context.Context, name string, m module.ThreadAwareModule) error {
	items := r.state.ContainersByType(m.ThreadOnContainerType(), false)
	if len(items) == 0 {
		r.logger.Warn("no containers to process",
			zap.String("module", name),
			zap.String("container_type", m.ThreadOnContainerType()))
		return nil
	}

	threads := m.MaxThreads()
	if threads <= 0 {
		threads = r.maxThreads
	}
	r.logger.Debug("processing containers",
		zap.String("module", name),
		zap.Int("containers", len(items)),
		zap.Int("threads", threads))

	p := pool.New().WithMaxGoroutines(threads).WithContext(ctx)
	for _, c := range items {
		p.Go(func(ctx context.Context) error {
			return r.guard(name, func() error { return m.Process(ctx, c) })
		})
	}
	return p.Wait()
}

// stage 执行单个阶段：计时、捕获 panic、把未登记的错误记为 critical
func (r *Runner) stage(ctx context.Context, name, stage string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s %s: %w", name, stage, err)
	}

	start := time.Now()
	err := r.guard(name, func() error { return fn(ctx) })
	r.state.Metrics().ObserveStage(name, stage, time.Since(start))

	if err != nil {
		r.record(name, err)
	}
	if critical := r.state.CheckErrors(); critical != nil {
		r.logger.Error("critical error, aborting recipe",
			zap.String("module", name),
			zap.String("stage", stage),
			zap.Error(critical))
		return critical
	}
	return nil
}

// record 登记模块返回但尚未写入 state 的错误（模块自己登记过的不重复记录）
func (r *Runner) record(name string, err error) {
	var unrecorded []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		unrecorded = joined.Unwrap()
	} else {
		unrecorded = []error{err}
	}
	for _, e := range unrecorded {
		if _, ok := dferrors.AsModuleError(e); ok {
			continue
		}
		if errors.Is(e, context.Canceled) || errors.Is(e, context.DeadlineExceeded) {
			r.state.AddError(dferrors.Wrap(name, "interrupted", true, e))
			continue
		}
		r.state.AddError(dferrors.Wrap(name, e.Error(), true, e))
	}
}

func (r *Runner) guard(name string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("module %s panicked: %v", name, rec)
			r.logger.Error("module panicked", zap.String("module", name), zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	return fn()
}
