// Package grr GRR Rapid Response HTTP API 的精简客户端，
// 只覆盖采集器所需部分：创建 hunt、审批、拉取结果
package grr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAccessForbidden 调用需要审批
	ErrAccessForbidden = errors.New("grr: access forbidden")
	// ErrNotFound hunt 或 client 不存在
	ErrNotFound = errors.New("grr: resource not found")
)

// xssiPrefix GRR API 每个 JSON 响应前的防 XSSI 前缀
const xssiPrefix = ")]}'\n"

const csrfCookie = "csrftoken"

// API 采集器用到的 GRR API 子集
type API interface {
	CreateHunt(ctx context.Context, req CreateHuntRequest) (Hunt, error)
	Hunt(huntID string) Hunt
	SearchClients(ctx context.Context, query string) ([]Client, error)
}

// Hunt 服务端 hunt 的引用
type Hunt interface {
	ID() string
	Get(ctx context.Context) (Hunt, error)
	Start(ctx context.Context) error
	CreateApproval(ctx context.Context, reason string, notifiedUsers []string) error
	GetFilesArchive(ctx context.Context, w io.Writer) error
	ListResults(ctx context.Context) ([]HuntResult, error)
}

// HTTPClient 基于 HTTP 的 GRR 客户端
type HTTPClient struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger

	csrfMu  sync.Mutex
	hasCSRF bool
}

// InitHTTP 创建连接 endpoint 的客户端；verify 为 false 时不校验 TLS 证书
func InitHTTP(endpoint, username, password string, verify bool, logger *zap.Logger) (*HTTPClient, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid GRR endpoint %q: %w", endpoint, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verify} //nolint:gosec // user controlled

	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   5 * time.Minute,
		},
		logger: logger.Named("grr_api"),
	}, nil
}

// CreateHunt 创建 hunt（初始为 PAUSED）
func (c *HTTPClient) CreateHunt(ctx context.Context, req CreateHuntRequest) (Hunt, error) {
	var data HuntData
	if err := c.doJSON(ctx, http.MethodPost, "/api/v2/hunts", req, &data); err != nil {
		return nil, fmt.Errorf("create hunt: %w", err)
	}
	c.logger.Debug("hunt created", zap.String("hunt_id", data.HuntID), zap.String("flow", req.FlowName))
	return &hunt{client: c, id: data.HuntID, data: &data}, nil
}

// Hunt 返回已有 hunt 的引用，调用其方法前不发请求
func (c *HTTPClient) Hunt(huntID string) Hunt {
	return &hunt{client: c, id: huntID}
}

// SearchClients 按 client ID 或主机名等搜索 client
func (c *HTTPClient) SearchClients(ctx context.Context, query string) ([]Client, error) {
	var resp struct {
		Items []ClientData `json:"items"`
	}
	path := "/api/v2/clients?query=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("search clients %q: %w", query, err)
	}
	clients := make([]Client, 0, len(resp.Items))
	for _, item := range resp.Items {
		clients = append(clients, Client{ClientID: item.ClientID, Data: item})
	}
	return clients, nil
}

// ensureCSRF 写操作前获取 CSRF cookie，只缓存成功的结果
func (c *HTTPClient) ensureCSRF(ctx context.Context) error {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()
	if c.hasCSRF {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch CSRF token: %w", err)
	}
	//nolint:errcheck
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	c.hasCSRF = true
	return nil
}

func (c *HTTPClient) csrfToken() string {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return ""
	}
	for _, cookie := range c.httpClient.Jar.Cookies(u) {
		if cookie.Name == csrfCookie {
			return cookie.Value
		}
	}
	return ""
}

// do 发送请求，仅 2xx 时返回响应
func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	if method != http.MethodGet {
		if err := c.ensureCSRF(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.csrfToken(); token != "" {
		req.Header.Set("X-CSRFToken", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GRR API request failed: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode == http.StatusForbidden:
		msg := readMessage(resp)
		return nil, fmt.Errorf("%w: %s", ErrAccessForbidden, msg)
	case resp.StatusCode == http.StatusNotFound:
		msg := readMessage(resp)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, msg)
	default:
		msg := readMessage(resp)
		return nil, fmt.Errorf("GRR API %s %s: %s: %s", method, path, resp.Status, msg)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	//nolint:errcheck
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if out == nil {
		return nil
	}
	b = bytes.TrimPrefix(b, []byte(xssiPrefix))
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// readMessage 读完错误响应并取出 message
func readMessage(resp *http.Response) string {
	//nolint:errcheck
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	b = bytes.TrimPrefix(b, []byte(xssiPrefix))

	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(b, &apiErr) == nil && apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.TrimSpace(string(b))
}
