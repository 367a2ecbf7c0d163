package timesketch

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dftw-collector/pkg/containers"
)

// timeline 处理状态
const (
	TimelineReady      = "ready"
	TimelineFail       = "fail"
	TimelineProcessing = "processing"
)

// Sketch Timesketch 调查工作区
type Sketch struct {
	ID          int
	Name        string
	Description string
	// MyACL 当前用户的权限，如 "read"、"write"
	MyACL []string
	// APIRoot 获取该 sketch 时使用的 REST API 根地址
	APIRoot string
}

// CanWrite 当前用户能否添加 timeline
func (s *Sketch) CanWrite() bool {
	for _, p := range s.MyACL {
		if p == "write" {
			return true
		}
	}
	return false
}

// URL sketch 的 Web 页面地址
func (s *Sketch) URL() string {
	root := s.APIRoot
	if i := strings.LastIndex(root, "api"); i >= 0 {
		root = root[:i]
	}
	if root != "" && !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return fmt.Sprintf("%ssketches/%d/", root, s.ID)
}

type Timeline struct {
	ID     int
	Name   string
	Status string
}

// Pending timeline 是否仍在索引中
func (t Timeline) Pending() bool {
	return t.Status != TimelineReady && t.Status != TimelineFail
}

type sketchObject struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type sketchResponse struct {
	Objects []sketchObject `json:"objects"`
	Meta    struct {
		Permissions map[string]bool `json:"permissions"`
	} `json:"meta"`
}

func (c *HTTPClient) toSketch(resp sketchResponse) (*Sketch, error) {
	if len(resp.Objects) == 0 {
		return nil, fmt.Errorf("%w: empty sketch response", ErrNotFound)
	}
	obj := resp.Objects[0]
	var acl []string
	for perm, granted := range resp.Meta.Permissions {
		if granted {
			acl = append(acl, perm)
		}
	}
	sort.Strings(acl)
	return &Sketch{
		ID:          obj.ID,
		Name:        obj.Name,
		Description: obj.Description,
		MyACL:       acl,
		APIRoot:     c.APIRoot(),
	}, nil
}

// GetSketch 按 ID 获取 sketch
func (c *HTTPClient) GetSketch(ctx context.Context, id int) (*Sketch, error) {
	var resp sketchResponse
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/sketches/%d/", id), nil, &resp); err != nil {
		return nil, fmt.Errorf("get sketch %d: %w", id, err)
	}
	return c.toSketch(resp)
}

// CreateSketch 以当前用户身份创建 sketch
func (c *HTTPClient) CreateSketch(ctx context.Context, name, description string) (*Sketch, error) {
	body := map[string]string{"name": name, "description": description}
	var resp sketchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sketches/", body, &resp); err != nil {
		return nil, fmt.Errorf("create sketch %q: %w", name, err)
	}
	sketch, err := c.toSketch(resp)
	if err != nil {
		return nil, err
	}
	// 新建的 sketch 属于调用者
	if len(sketch.MyACL) == 0 {
		sketch.MyACL = []string{"read", "write", "delete"}
	}
	return sketch, nil
}

// ListTimelines 返回 sketch 下的 timeline 及其状态
func (c *HTTPClient) ListTimelines(ctx context.Context, sketchID int) ([]Timeline, error) {
	var resp struct {
		Objects [][]struct {
			ID     int    `json:"id"`
			Name   string `json:"name"`
			Status []struct {
				Status string `json:"status"`
			} `json:"status"`
		} `json:"objects"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/sketches/%d/timelines/", sketchID), nil, &resp); err != nil {
		return nil, fmt.Errorf("list timelines of sketch %d: %w", sketchID, err)
	}

	var timelines []Timeline
	for _, group := range resp.Objects {
		for _, t := range group {
			status := TimelineProcessing
			if len(t.Status) > 0 {
				status = t.Status[0].Status
			}
			timelines = append(timelines, Timeline{ID: t.ID, Name: t.Name, Status: status})
		}
	}
	return timelines, nil
}

// RunAnalyzer 在 sketch 的某个 timeline 上启动 analyzer
func (c *HTTPClient) RunAnalyzer(ctx context.Context, sketchID int, analyzer string, timelineID int) error {
	body := map[string]any{
		"analyzer_names": []string{analyzer},
		"timeline_id":    timelineID,
	}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/sketches/%d/analyzer/", sketchID), body, nil); err != nil {
		return fmt.Errorf("run analyzer %s on sketch %d: %w", analyzer, sketchID, err)
	}
	return nil
}

var sketchURLPattern = regexp.MustCompile(`/sketch(?:es)?/(\d+)`)

// SketchIDFromAttributes 从含 Timesketch URL 的工单属性中解析 sketch ID，没有则返回 0
func SketchIDFromAttributes(attrs []*containers.TicketAttribute) int {
	for _, attr := range attrs {
		if !strings.EqualFold(attr.Type, "timesketch") && !strings.EqualFold(attr.Name, "Timesketch URL") {
			continue
		}
		m := sketchURLPattern.FindStringSubmatch(attr.Value)
		if m == nil {
			continue
		}
		if id, err := strconv.Atoi(m[1]); err == nil {
			return id
		}
	}
	return 0
}
