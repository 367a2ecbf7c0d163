// Package exporter 把采集数据推送到分析平台的模块
package exporter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/module"
	"github.com/dftw-collector/pkg/state"
	"github.com/dftw-collector/pkg/timesketch"
	"github.com/dftw-collector/pkg/util"
)

const (
	moduleName = "TimesketchExporter"
	// SketchCacheKey 模块间共享 sketch 的缓存键
	SketchCacheKey = "timesketch_sketch"

	defaultMaxThreads   = 3
	defaultPollInterval = 30 * time.Second
	provider            = "dfTimewolf"
)

var errTimelinesPending = errors.New("timelines still processing")

var importableExtensions = map[string]bool{".plaso": true, ".csv": true, ".jsonl": true}

// APIFactory 创建导出器使用的 Timesketch 客户端
type APIFactory func(endpoint, username, password string, verify bool, logger *zap.Logger) (timesketch.API, error)

func httpAPIFactory(endpoint, username, password string, verify bool, logger *zap.Logger) (timesketch.API, error) {
	return timesketch.NewHTTPClient(endpoint, username, password, verify, logger)
}

// TimesketchOptions TimesketchExporter 的 SetUp 参数
type TimesketchOptions struct {
	IncidentID string `mapstructure:"incident_id"`
	// SketchID 选择已有 sketch；为 0 时新建，除非工单属性引用了 sketch
	SketchID int `mapstructure:"sketch_id" validate:"gte=0"`
	// Analyzers 逗号分隔的 analyzer 名
	Analyzers        string `mapstructure:"analyzers"`
	WaitForTimelines bool   `mapstructure:"wait_for_timelines"`
	Endpoint         string `mapstructure:"endpoint" validate:"omitempty,url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	Verify           bool   `mapstructure:"verify"`
}

// Option 构造时定制导出器
type Option func(*TimesketchExporter)

// WithAPIFactory 替换 HTTP 客户端工厂
func WithAPIFactory(f APIFactory) Option {
	return func(e *TimesketchExporter) { e.newAPI = f }
}

// WithDefaults 配方参数未提供时使用的配置
func WithDefaults(o TimesketchOptions) Option {
	return func(e *TimesketchExporter) { e.defaults = o }
}

// WithTimelinePolling timeline 轮询间隔与总超时；超时为 0 时一直等到 ctx 结束
func WithTimelinePolling(interval, timeout time.Duration) Option {
	return func(e *TimesketchExporter) {
		if interval > 0 {
			e.pollInterval = interval
		}
		e.pollTimeout = timeout
	}
}

// WithMaxThreads 并发导入上限
func WithMaxThreads(n int) Option {
	return func(e *TimesketchExporter) {
		if n > 0 {
			e.maxThreads = n
		}
	}
}

// TimesketchExporter 将 File 容器导入 Timesketch sketch
type TimesketchExporter struct {
	module.BaseModule

	newAPI       APIFactory
	defaults     TimesketchOptions
	pollInterval time.Duration
	pollTimeout  time.Duration
	maxThreads   int

	api              timesketch.API
	sketch           *timesketch.Sketch
	sketchID         int
	incidentID       string
	analyzers        []string
	waitForTimelines bool

	mu       sync.Mutex
	imported []string
}

func NewTimesketchExporter(st *state.State, opts ...Option) *TimesketchExporter {
	e := &TimesketchExporter{
		BaseModule:   module.NewBaseModule(moduleName, st),
		newAPI:       httpAPIFactory,
		pollInterval: defaultPollInterval,
		maxThreads:   defaultMaxThreads,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *TimesketchExporter) ThreadOnContainerType() string {
	return containers.File{}.ContainerType()
}

func (e *TimesketchExporter) MaxThreads() int {
	return e.maxThreads
}

func (e *TimesketchExporter) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	opts := e.defaults
	if err := module.DecodeArgs(args, &opts); err != nil {
		return e.ModuleError(err.Error(), true, err)
	}
	return e.SetUp(ctx, opts)
}

// SetUp 连接 Timesketch；已选定 sketch 时检查写权限
func (e *TimesketchExporter) SetUp(ctx context.Context, o TimesketchOptions) error {
	if o.Endpoint == "" {
		return e.ModuleError("Unable to get a Timesketch API client: no endpoint configured", true, nil)
	}
	api, err := e.newAPI(o.Endpoint, o.Username, o.Password, o.Verify, e.Logger)
	if err != nil || api == nil {
		return e.ModuleError(fmt.Sprintf("Unable to get a Timesketch API client: %v", err), true, err)
	}
	e.api = api
	e.incidentID = o.IncidentID
	e.analyzers = util.SplitList(o.Analyzers)
	e.waitForTimelines = o.WaitForTimelines

	e.sketchID = o.SketchID
	if e.sketchID == 0 {
		attrs := state.GetContainers[*containers.TicketAttribute](e.State, false)
		e.sketchID = timesketch.SketchIDFromAttributes(attrs)
		if e.sketchID != 0 {
			e.Logger.Info("Using sketch referenced by ticket attribute", zap.Int("sketch_id", e.sketchID))
		}
	}
	if e.sketchID == 0 {
		return nil
	}

	sketch, err := e.api.GetSketch(ctx, e.sketchID)
	if err != nil {
		return e.ModuleError(fmt.Sprintf("Unable to fetch sketch ID %d: %v", e.sketchID, err), true, err)
	}
	if !sketch.CanWrite() {
		return e.ModuleError(fmt.Sprintf("No write access to sketch ID %d, aborting", e.sketchID), true, nil)
	}
	e.sketch = sketch
	e.State.AddToCache(SketchCacheKey, sketch)
	return nil
}

// PreProcess 沿用其他模块准备好的 sketch，否则新建
func (e *TimesketchExporter) PreProcess(ctx context.Context) error {
	if e.sketch == nil {
		if cached, ok := e.State.GetFromCache(SketchCacheKey); ok {
			if sketch, ok := cached.(*timesketch.Sketch); ok {
				e.sketch = sketch
			}
		}
	}
	if e.sketch != nil {
		e.sketchID = e.sketch.ID
		return nil
	}

	name := "Untitled sketch"
	if e.incidentID != "" {
		name = "Sketch for incident ID: " + e.incidentID
	}
	sketch, err := e.api.CreateSketch(ctx, name, "Sketch generated by dfTimewolf")
	if err != nil {
		return e.ModuleError(fmt.Sprintf("Unable to create sketch %q: %v", name, err), true, err)
	}
	e.sketch = sketch
	e.sketchID = sketch.ID
	e.State.AddToCache(SketchCacheKey, sketch)
	e.PublishMessage(fmt.Sprintf("New sketch created: %d", sketch.ID), false)
	return nil
}

// Process 导入一个 File 容器；目录会遍历出可导入的文件
func (e *TimesketchExporter) Process(ctx context.Context, c containers.Container) error {
	var file containers.File
	switch v := c.(type) {
	case *containers.File:
		file = *v
	case containers.File:
		file = v
	default:
		return e.ModuleError(fmt.Sprintf("Unexpected container type %T", c), true, nil)
	}

	info, err := os.Stat(file.Path)
	if err != nil {
		_ = e.ModuleError(fmt.Sprintf("Unable to read %s: %v", file.Path, err), false, err)
		return nil
	}
	if !info.IsDir() {
		e.importFile(ctx, timelineName(file), file.Path)
		return nil
	}

	paths, err := importableFiles(file.Path)
	if err != nil {
		_ = e.ModuleError(fmt.Sprintf("Unable to walk %s: %v", file.Path, err), false, err)
		return nil
	}
	if len(paths) == 0 {
		_ = e.ModuleError(fmt.Sprintf("No importable files in %s", file.Path), false, nil)
		return nil
	}
	for _, p := range paths {
		e.importFile(ctx, timelineName(file)+"_"+strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)), p)
	}
	return nil
}

func (e *TimesketchExporter) importFile(ctx context.Context, name, path string) {
	e.Logger.Info("Importing into Timesketch", zap.String("timeline", name), zap.String("path", path))
	err := e.api.ImportFile(ctx, e.sketchID, timesketch.ImportOptions{
		TimelineName:  name,
		Provider:      provider,
		UploadContext: fmt.Sprintf("%s %s", e.State.RecipeName(), e.State.RunID),
		Path:          path,
	})
	e.State.Metrics().IncFileImported(err == nil)
	if err != nil {
		_ = e.ModuleError(fmt.Sprintf("Unable to import %s: %v", path, err), false, err)
		return
	}

	e.mu.Lock()
	e.imported = append(e.imported, name)
	e.mu.Unlock()
}

// PostProcess 报告 sketch 地址，可选地等待索引完成并运行 analyzer
func (e *TimesketchExporter) PostProcess(ctx context.Context) error {
	if e.sketch == nil {
		return nil
	}
	e.mu.Lock()
	e.Logger.Info("Timelines imported", zap.Int("count", len(e.imported)), zap.Strings("timelines", e.imported))
	e.mu.Unlock()

	message := fmt.Sprintf("Your Timesketch URL is: %s", e.sketch.URL())
	e.State.StoreContainer(&containers.Report{
		ModuleName: moduleName,
		Text:       message,
		TextFormat: "markdown",
	})
	e.PublishMessage(message, false)

	var timelines []timesketch.Timeline
	if e.waitForTimelines {
		var err error
		if timelines, err = e.waitTimelines(ctx); err != nil {
			return e.ModuleError(fmt.Sprintf("Timelines of sketch %d not ready: %v", e.sketchID, err), true, err)
		}
	}
	if len(e.analyzers) == 0 {
		return nil
	}

	if timelines == nil {
		var err error
		if timelines, err = e.api.ListTimelines(ctx, e.sketchID); err != nil {
			return e.ModuleError(fmt.Sprintf("Unable to list timelines of sketch %d: %v", e.sketchID, err), true, err)
		}
	}
	for _, tl := range timelines {
		for _, analyzer := range e.analyzers {
			if err := e.api.RunAnalyzer(ctx, e.sketchID, analyzer, tl.ID); err != nil {
				_ = e.ModuleError(fmt.Sprintf("Unable to run analyzer %s on timeline %s: %v", analyzer, tl.Name, err), false, err)
				continue
			}
			e.Logger.Info("Analyzer started", zap.String("analyzer", analyzer), zap.String("timeline", tl.Name))
		}
	}
	return nil
}

// waitTimelines 轮询 sketch 直到没有索引中的 timeline
func (e *TimesketchExporter) waitTimelines(ctx context.Context) ([]timesketch.Timeline, error) {
	operation := func() ([]timesketch.Timeline, error) {
		timelines, err := e.api.ListTimelines(ctx, e.sketchID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for _, tl := range timelines {
			if tl.Pending() {
				e.Logger.Info("Waiting for timeline", zap.String("timeline", tl.Name), zap.String("status", tl.Status))
				return nil, errTimelinesPending
			}
		}
		return timelines, nil
	}
	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(e.pollInterval)),
		backoff.WithMaxElapsedTime(e.pollTimeout))
}

func timelineName(f containers.File) string {
	if f.Name != "" {
		return f.Name
	}
	if f.Description != "" {
		return f.Description
	}
	return strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
}

func importableFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && importableExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
