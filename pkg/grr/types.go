package grr

import (
	"encoding/json"
)

// CreateHunt 支持的 flow 名
const (
	FlowArtifactCollector = "ArtifactCollectorFlow"
	FlowFileFinder        = "FileFinder"
	FlowOsquery           = "OsqueryFlow"
)

const typeURLPrefix = "type.googleapis.com/grr."

// FlowArgs flow 的参数消息
type FlowArgs interface {
	TypeURL() string
}

type ArtifactCollectorFlowArgs struct {
	ArtifactList              []string `json:"artifact_list"`
	UseRawFilesystemAccess    bool     `json:"use_raw_filesystem_access"`
	IgnoreInterpolationErrors bool     `json:"ignore_interpolation_errors"`
	ApplyParsers              bool     `json:"apply_parsers"`
	MaxFileSize               int64    `json:"max_file_size,omitempty"`
}

func (ArtifactCollectorFlowArgs) TypeURL() string { return typeURLPrefix + "ArtifactCollectorFlowArgs" }

// FileFinderActionType FileFinder 对匹配文件的处理方式
type FileFinderActionType string

const (
	FileFinderActionStat     FileFinderActionType = "STAT"
	FileFinderActionHash     FileFinderActionType = "HASH"
	FileFinderActionDownload FileFinderActionType = "DOWNLOAD"
)

// FileFinderDownloadActionOptions 下载文件大小上限
type FileFinderDownloadActionOptions struct {
	MaxSize int64 `json:"max_size,omitempty"`
}

type FileFinderAction struct {
	ActionType FileFinderActionType             `json:"action_type"`
	Download   *FileFinderDownloadActionOptions `json:"download,omitempty"`
}

// FileFinderArgs 按路径 glob 查找文件
type FileFinderArgs struct {
	Paths  []string         `json:"paths"`
	Action FileFinderAction `json:"action"`
}

func (FileFinderArgs) TypeURL() string { return typeURLPrefix + "FileFinderArgs" }

type OsqueryFlowArgs struct {
	Query              string `json:"query"`
	TimeoutMillis      int64  `json:"timeout_millis,omitempty"`
	IgnoreStderrErrors bool   `json:"ignore_stderr_errors"`
}

func (OsqueryFlowArgs) TypeURL() string { return typeURLPrefix + "OsqueryArgs" }

// client 规则集匹配方式
const (
	MatchAll = "MATCH_ALL"
	MatchAny = "MATCH_ANY"
)

// client 规则类型
const (
	RuleTypeOS    = "OS"
	RuleTypeLabel = "LABEL"
)

// ForemanOsClientRule 按操作系统匹配
type ForemanOsClientRule struct {
	OSWindows bool `json:"os_windows"`
	OSLinux   bool `json:"os_linux"`
	OSDarwin  bool `json:"os_darwin"`
}

// ForemanLabelClientRule 按标签匹配
type ForemanLabelClientRule struct {
	LabelNames []string `json:"label_names"`
	MatchMode  string   `json:"match_mode"`
}

// ForemanClientRule 规则集中的一条规则，仅与 RuleType 对应的字段有值
type ForemanClientRule struct {
	RuleType string                  `json:"rule_type"`
	OS       *ForemanOsClientRule    `json:"os,omitempty"`
	Label    *ForemanLabelClientRule `json:"label,omitempty"`
}

// ForemanClientRuleSet 限定 hunt 运行的 client 范围
type ForemanClientRuleSet struct {
	MatchMode string              `json:"match_mode"`
	Rules     []ForemanClientRule `json:"rules"`
}

type HuntRunnerArgs struct {
	Description   string                `json:"description"`
	ClientRuleSet *ForemanClientRuleSet `json:"client_rule_set,omitempty"`
}

// CreateHuntRequest 创建 hunt 的请求体
type CreateHuntRequest struct {
	FlowName       string
	FlowArgs       FlowArgs
	HuntRunnerArgs HuntRunnerArgs
}

// MarshalJSON 写入 API 要求的 flow 参数 @type
func (r CreateHuntRequest) MarshalJSON() ([]byte, error) {
	args, err := json.Marshal(r.FlowArgs)
	if err != nil {
		return nil, err
	}
	var typed map[string]any
	if err := json.Unmarshal(args, &typed); err != nil {
		return nil, err
	}
	typed["@type"] = r.FlowArgs.TypeURL()

	return json.Marshal(struct {
		FlowName       string         `json:"flow_name"`
		FlowArgs       map[string]any `json:"flow_args"`
		HuntRunnerArgs HuntRunnerArgs `json:"hunt_runner_args"`
	}{r.FlowName, typed, r.HuntRunnerArgs})
}

// HuntData 服务端的 hunt 描述
type HuntData struct {
	HuntID      string `json:"hunt_id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Description string `json:"description"`
	Creator     string `json:"creator"`
}

type OsqueryColumn struct {
	Name string `json:"name"`
}

type OsqueryHeader struct {
	Columns []OsqueryColumn `json:"columns"`
}

type OsqueryRow struct {
	Values []string `json:"values"`
}

// OsqueryTable osquery 查询产出的表
type OsqueryTable struct {
	Query  string        `json:"query"`
	Header OsqueryHeader `json:"header"`
	Rows   []OsqueryRow  `json:"rows"`
}

// OsqueryResult OsqueryFlow 结果的 payload
type OsqueryResult struct {
	Table  OsqueryTable `json:"table"`
	Stderr string       `json:"stderr,omitempty"`
}

// FileFinderResult FileFinder 结果的 payload
type FileFinderResult struct {
	StatEntry map[string]any `json:"stat_entry,omitempty"`
}

// HuntResult hunt 的一条结果；Payload 为 *OsqueryResult、*FileFinderResult，
// 未建模的 payload 类型为 json.RawMessage
type HuntResult struct {
	ClientID    string
	PayloadType string
	Payload     any
}

// UnmarshalJSON 按 payload_type 解码 payload
func (r *HuntResult) UnmarshalJSON(b []byte) error {
	var raw struct {
		ClientID    string          `json:"client_id"`
		PayloadType string          `json:"payload_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.ClientID = raw.ClientID
	r.PayloadType = raw.PayloadType

	switch raw.PayloadType {
	case "OsqueryResult":
		var p OsqueryResult
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		r.Payload = &p
	case "FileFinderResult":
		var p FileFinderResult
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return err
		}
		r.Payload = &p
	default:
		r.Payload = raw.Payload
	}
	return nil
}

type OSInfo struct {
	FQDN    string `json:"fqdn"`
	System  string `json:"system"`
	Release string `json:"release"`
}

// ClientData 服务端的 client 描述
type ClientData struct {
	ClientID string   `json:"client_id"`
	OSInfo   OSInfo   `json:"os_info"`
	Labels   []string `json:"labels,omitempty"`
}

// Client SearchClients 返回的 GRR client
type Client struct {
	ClientID string
	Data     ClientData
}
