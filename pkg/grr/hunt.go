package grr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const resultsPageSize = 1000

type hunt struct {
	client *HTTPClient
	id     string
	data   *HuntData
}

func (h *hunt) ID() string { return h.id }

func (h *hunt) path() string {
	return "/api/v2/hunts/" + url.PathEscape(h.id)
}

// Get 从服务端拉取 hunt
func (h *hunt) Get(ctx context.Context) (Hunt, error) {
	var data HuntData
	if err := h.client.doJSON(ctx, http.MethodGet, h.path(), nil, &data); err != nil {
		return nil, fmt.Errorf("get hunt %s: %w", h.id, err)
	}
	return &hunt{client: h.client, id: h.id, data: &data}, nil
}

// Start 将 hunt 置为 STARTED，需要审批
func (h *hunt) Start(ctx context.Context) error {
	body := map[string]string{"state": "STARTED"}
	if err := h.client.doJSON(ctx, http.MethodPatch, h.path(), body, nil); err != nil {
		return fmt.Errorf("start hunt %s: %w", h.id, err)
	}
	return nil
}

// CreateApproval 向 notifiedUsers 申请访问权限
func (h *hunt) CreateApproval(ctx context.Context, reason string, notifiedUsers []string) error {
	body := map[string]any{
		"approval": map[string]any{
			"reason":         reason,
			"notified_users": notifiedUsers,
		},
	}
	path := "/api/v2/users/me/approvals/hunt/" + url.PathEscape(h.id)
	if err := h.client.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("create approval for hunt %s: %w", h.id, err)
	}
	return nil
}

// GetFilesArchive 将 hunt 采集到的全部文件以 zip 流式写入 w，需要审批
func (h *hunt) GetFilesArchive(ctx context.Context, w io.Writer) error {
	resp, err := h.client.do(ctx, http.MethodGet, h.path()+"/results/files-archive?archive_format=ZIP", nil)
	if err != nil {
		return fmt.Errorf("get files archive of hunt %s: %w", h.id, err)
	}
	//nolint:errcheck
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("write files archive of hunt %s: %w", h.id, err)
	}
	return nil
}

// ListResults 返回 hunt 的全部结果（自动翻页）
func (h *hunt) ListResults(ctx context.Context) ([]HuntResult, error) {
	var results []HuntResult
	for offset := 0; ; offset += resultsPageSize {
		var page struct {
			Items      []HuntResult `json:"items"`
			TotalCount int          `json:"total_count"`
		}
		path := fmt.Sprintf("%s/results?offset=%d&count=%d", h.path(), offset, resultsPageSize)
		if err := h.client.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("list results of hunt %s: %w", h.id, err)
		}
		results = append(results, page.Items...)
		if len(page.Items) < resultsPageSize {
			return results, nil
		}
	}
}
