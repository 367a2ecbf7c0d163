package collector

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
	"github.com/dftw-collector/pkg/util"
)

const (
	defaultMaxFileSize    int64 = 5 * 1024 * 1024 * 1024
	defaultOsqueryTimeout int64 = 300000
)

// HuntOptions hunt 采集器共用配置
type HuntOptions struct {
	GRROptions `mapstructure:",squash"`
	// MatchMode client 规则匹配方式：all 或 any
	MatchMode string `mapstructure:"match_mode" validate:"omitempty,oneof=all any"`
	// ClientOperatingSystems 逗号分隔：windows、linux、darwin
	ClientOperatingSystems string `mapstructure:"client_operating_systems"`
	// ClientLabels 逗号分隔的 GRR client 标签
	ClientLabels string `mapstructure:"client_labels"`
}

type grrHuntBase struct {
	grrBase
	ruleSet *grr.ForemanClientRuleSet
}

func (h *grrHuntBase) setUpHunt(o HuntOptions) error {
	if err := h.setUpGRR(o.GRROptions); err != nil {
		return err
	}
	rs, err := buildClientRuleSet(o.MatchMode, util.SplitList(o.ClientOperatingSystems), util.SplitList(o.ClientLabels))
	if err != nil {
		return h.ModuleError(err.Error(), true, err)
	}
	h.ruleSet = rs
	return nil
}

// createAndStartHunt 创建运行 flowName 的 hunt 并启动，必要时申请审批
func (h *grrHuntBase) createAndStartHunt(ctx context.Context, flowName string, args grr.FlowArgs, ruleSet *grr.ForemanClientRuleSet) (grr.Hunt, error) {
	h.Logger.Debug("creating hunt", zap.String("flow", flowName), zap.Any("args", args))

	hunt, err := h.api.CreateHunt(ctx, grr.CreateHuntRequest{
		FlowName: flowName,
		FlowArgs: args,
		HuntRunnerArgs: grr.HuntRunnerArgs{
			Description:   h.reason,
			ClientRuleSet: ruleSet,
		},
	})
	if err != nil {
		return nil, h.fail(fmt.Sprintf("Unable to create %s hunt", flowName), err)
	}
	h.State.Metrics().IncHuntCreated(flowName)
	h.PublishMessage(fmt.Sprintf("%s: Hunt created", hunt.ID()), false)

	_, err = withApproval(ctx, &h.grrBase, hunt, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hunt.Start(ctx)
	})
	if err != nil {
		return nil, h.fail(fmt.Sprintf("Unable to start hunt %s", hunt.ID()), err)
	}
	return hunt, nil
}

// buildClientRuleSet 未指定任何限制时返回 nil
func buildClientRuleSet(matchMode string, operatingSystems, labels []string) (*grr.ForemanClientRuleSet, error) {
	if matchMode == "" && len(operatingSystems) == 0 && len(labels) == 0 {
		return nil, nil
	}
	mode := grr.MatchAny
	if matchMode == "all" {
		mode = grr.MatchAll
	}
	rs := &grr.ForemanClientRuleSet{MatchMode: mode}

	if len(operatingSystems) > 0 {
		osr, err := osRule(operatingSystems)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, grr.ForemanClientRule{RuleType: grr.RuleTypeOS, OS: osr})
	}
	if len(labels) > 0 {
		rs.Rules = append(rs.Rules, grr.ForemanClientRule{
			RuleType: grr.RuleTypeLabel,
			Label:    &grr.ForemanLabelClientRule{LabelNames: labels, MatchMode: mode},
		})
	}
	return rs, nil
}

func osRule(operatingSystems []string) (*grr.ForemanOsClientRule, error) {
	rule := &grr.ForemanOsClientRule{}
	for _, name := range operatingSystems {
		switch strings.ToLower(name) {
		case "windows", "win":
			rule.OSWindows = true
		case "linux":
			rule.OSLinux = true
		case "darwin", "macos", "osx":
			rule.OSDarwin = true
		case "posix":
			rule.OSLinux = true
			rule.OSDarwin = true
		default:
			return nil, fmt.Errorf("unknown client operating system %q", name)
		}
	}
	return rule, nil
}

// GRRHuntArtifactCollector 下发采集取证 artifact 的 hunt
type GRRHuntArtifactCollector struct {
	grrHuntBase

	Artifacts   []string
	UseTSK      bool
	MaxFileSize int64
}

type ArtifactCollectorOptions struct {
	HuntOptions `mapstructure:",squash"`
	// Artifacts 逗号分隔的 artifact 名
	Artifacts   string `mapstructure:"artifacts"`
	UseTSK      bool   `mapstructure:"use_tsk"`
	MaxFileSize int64  `mapstructure:"max_file_size" validate:"gte=0"`
}

func NewGRRHuntArtifactCollector(st *state.State, opts ...Option) *GRRHuntArtifactCollector {
	return &GRRHuntArtifactCollector{
		grrHuntBase: grrHuntBase{grrBase: newGRRBase("GRRHuntArtifactCollector", st, opts)},
	}
}

func (c *GRRHuntArtifactCollector) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	opts := ArtifactCollectorOptions{
		HuntOptions: HuntOptions{GRROptions: c.defaults},
		MaxFileSize: defaultMaxFileSize,
	}
	if err := c.decodeArgs(args, &opts); err != nil {
		return err
	}
	return c.SetUp(ctx, opts)
}

func (c *GRRHuntArtifactCollector) SetUp(_ context.Context, o ArtifactCollectorOptions) error {
	if err := c.setUpHunt(o.HuntOptions); err != nil {
		return err
	}
	c.Artifacts = util.SplitList(o.Artifacts)
	if len(c.Artifacts) == 0 {
		return c.ModuleError("No artifacts were specified.", true, nil)
	}
	c.UseTSK = o.UseTSK
	c.MaxFileSize = o.MaxFileSize
	return nil
}

// Process 创建并启动 ArtifactCollectorFlow hunt
func (c *GRRHuntArtifactCollector) Process(ctx context.Context) error {
	c.Logger.Info("Artifacts to be collected", zap.Strings("artifacts", c.Artifacts))
	args := grr.ArtifactCollectorFlowArgs{
		ArtifactList:              c.Artifacts,
		UseRawFilesystemAccess:    c.UseTSK,
		IgnoreInterpolationErrors: true,
		ApplyParsers:              false,
		MaxFileSize:               c.MaxFileSize,
	}
	_, err := c.createAndStartHunt(ctx, grr.FlowArtifactCollector, args, c.ruleSet)
	return err
}

// GRRHuntFileCollector 下发按路径下载文件的 hunt
type GRRHuntFileCollector struct {
	grrHuntBase

	FilePathList []string
	MaxFileSize  int64
}

type FileCollectorOptions struct {
	HuntOptions `mapstructure:",squash"`
	// FilePathList 逗号分隔的路径或 glob
	FilePathList string `mapstructure:"file_path_list"`
	MaxFileSize  int64  `mapstructure:"max_file_size" validate:"gte=0"`
}

func NewGRRHuntFileCollector(st *state.State, opts ...Option) *GRRHuntFileCollector {
	return &GRRHuntFileCollector{
		grrHuntBase: grrHuntBase{grrBase: newGRRBase("GRRHuntFileCollector", st, opts)},
	}
}

func (c *GRRHuntFileCollector) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	opts := FileCollectorOptions{
		HuntOptions: HuntOptions{GRROptions: c.defaults},
		MaxFileSize: defaultMaxFileSize,
	}
	if err := c.decodeArgs(args, &opts); err != nil {
		return err
	}
	return c.SetUp(ctx, opts)
}

// SetUp 路径列表可以为空，由 FSPath 容器提供
func (c *GRRHuntFileCollector) SetUp(_ context.Context, o FileCollectorOptions) error {
	if err := c.setUpHunt(o.HuntOptions); err != nil {
		return err
	}
	c.FilePathList = util.SplitList(o.FilePathList)
	c.MaxFileSize = o.MaxFileSize
	return nil
}

// PreProcess 把 FSPath 容器中的路径加入列表
func (c *GRRHuntFileCollector) PreProcess(context.Context) error {
	for _, p := range state.GetContainers[*containers.FSPath](c.State, false) {
		c.FilePathList = append(c.FilePathList, p.Path)
	}
	if len(c.FilePathList) == 0 {
		return c.ModuleError("Files must be specified for hunts", true, nil)
	}
	return nil
}

func (c *GRRHuntFileCollector) Process(ctx context.Context) error {
	c.Logger.Info("Hunt to collect files", zap.Strings("paths", c.FilePathList))
	args := grr.FileFinderArgs{
		Paths: c.FilePathList,
		Action: grr.FileFinderAction{
			ActionType: grr.FileFinderActionDownload,
			Download:   &grr.FileFinderDownloadActionOptions{MaxSize: c.MaxFileSize},
		},
	}
	_, err := c.createAndStartHunt(ctx, grr.FlowFileFinder, args, c.ruleSet)
	return err
}

// GRRHuntOsqueryCollector 为 state 中每条 osquery 查询下发一个 hunt
type GRRHuntOsqueryCollector struct {
	grrHuntBase

	TimeoutMillis      int64
	IgnoreStderrErrors bool
}

type OsqueryCollectorOptions struct {
	HuntOptions        `mapstructure:",squash"`
	TimeoutMillis      int64 `mapstructure:"timeout_millis" validate:"gt=0"`
	IgnoreStderrErrors bool  `mapstructure:"ignore_stderr_errors"`
	// Query 非空时作为额外的一条查询，与 OsqueryQuery 容器一起下发
	Query          string `mapstructure:"query"`
	QueryName      string `mapstructure:"query_name"`
	QueryPlatforms string `mapstructure:"query_platforms"`
}

func NewGRRHuntOsqueryCollector(st *state.State, opts ...Option) *GRRHuntOsqueryCollector {
	return &GRRHuntOsqueryCollector{
		grrHuntBase: grrHuntBase{grrBase: newGRRBase("GRRHuntOsqueryCollector", st, opts)},
	}
}

func (c *GRRHuntOsqueryCollector) SetUpWithArgs(ctx context.Context, args map[string]any) error {
	opts := OsqueryCollectorOptions{
		HuntOptions:   HuntOptions{GRROptions: c.defaults},
		TimeoutMillis: defaultOsqueryTimeout,
	}
	if err := c.decodeArgs(args, &opts); err != nil {
		return err
	}
	return c.SetUp(ctx, opts)
}

func (c *GRRHuntOsqueryCollector) SetUp(_ context.Context, o OsqueryCollectorOptions) error {
	if err := c.setUpHunt(o.HuntOptions); err != nil {
		return err
	}
	c.TimeoutMillis = o.TimeoutMillis
	if c.TimeoutMillis <= 0 {
		c.TimeoutMillis = defaultOsqueryTimeout
	}
	c.IgnoreStderrErrors = o.IgnoreStderrErrors

	if q := strings.TrimSpace(o.Query); q != "" {
		name := o.QueryName
		if name == "" {
			name = "recipe query"
		}
		c.State.StoreContainer(&containers.OsqueryQuery{
			Query:     q,
			Name:      name,
			Platforms: util.SplitList(o.QueryPlatforms),
		})
	}
	return nil
}

// Process 为每条查询创建并启动 OsqueryFlow hunt
func (c *GRRHuntOsqueryCollector) Process(ctx context.Context) error {
	queries := state.GetContainers[*containers.OsqueryQuery](c.State, false)
	if len(queries) == 0 {
		return c.ModuleError("No osquery queries found.", true, nil)
	}

	for _, q := range queries {
		args := grr.OsqueryFlowArgs{
			Query:              q.Query,
			TimeoutMillis:      c.TimeoutMillis,
			IgnoreStderrErrors: c.IgnoreStderrErrors,
		}
		ruleSet, err := c.ruleSetForPlatforms(q.Platforms)
		if err != nil {
			return c.ModuleError(fmt.Sprintf("Query %q: %v", q.Name, err), true, err)
		}
		if _, err := c.createAndStartHunt(ctx, grr.FlowOsquery, args, ruleSet); err != nil {
			return err
		}
	}
	return nil
}

// ruleSetForPlatforms 按查询支持的平台限定 hunt，配方已指定操作系统时不覆盖
func (c *GRRHuntOsqueryCollector) ruleSetForPlatforms(platforms []string) (*grr.ForemanClientRuleSet, error) {
	if len(platforms) == 0 {
		return c.ruleSet, nil
	}
	for _, p := range platforms {
		if strings.EqualFold(p, "all") {
			return c.ruleSet, nil
		}
	}
	if c.ruleSet != nil {
		for _, r := range c.ruleSet.Rules {
			if r.RuleType == grr.RuleTypeOS {
				return c.ruleSet, nil
			}
		}
	}
	osr, err := osRule(platforms)
	if err != nil {
		return nil, err
	}

	rs := &grr.ForemanClientRuleSet{MatchMode: grr.MatchAll}
	if c.ruleSet != nil {
		rs.Rules = append(rs.Rules, c.ruleSet.Rules...)
	}
	rs.Rules = append(rs.Rules, grr.ForemanClientRule{RuleType: grr.RuleTypeOS, OS: osr})
	return rs, nil
}
