// Package timesketch Timesketch HTTP API 的精简客户端：查找/创建 sketch、导入 timeline、运行 analyzer
package timesketch

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
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound sketch 不存在
var ErrNotFound = errors.New("timesketch: resource not found")

var csrfPattern = regexp.MustCompile(`name="csrf_token"[^>]*value="([^"]+)"`)

// API 导出器用到的 Timesketch API 子集
type API interface {
	// GetSketch sketch 不存在时返回 ErrNotFound
	GetSketch(ctx context.Context, id int) (*Sketch, error)
	CreateSketch(ctx context.Context, name, description string) (*Sketch, error)
	ListTimelines(ctx context.Context, sketchID int) ([]Timeline, error)
	RunAnalyzer(ctx context.Context, sketchID int, analyzer string, timelineID int) error
	ImportFile(ctx context.Context, sketchID int, opts ImportOptions) error
}

// HTTPClient 基于会话的 Timesketch 客户端
type HTTPClient struct {
	host       string
	username   string
	password   string
	httpClient *http.Client
	logger     *zap.Logger

	csrf     string
	loginMu  sync.Mutex
	loggedIn bool
}

// NewHTTPClient 创建连接 host 的客户端，首次调用时才登录
func NewHTTPClient(host, username, password string, verify bool, logger *zap.Logger) (*HTTPClient, error) {
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("invalid Timesketch endpoint %q", host)
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
		host:     strings.TrimRight(host, "/"),
		username: username,
		password: password,
		httpClient: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   10 * time.Minute,
		},
		logger: logger.Named("timesketch_api"),
	}, nil
}

// APIRoot REST API 根地址
func (c *HTTPClient) APIRoot() string {
	return c.host + "/api/v1"
}

func (c *HTTPClient) login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.loggedIn {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/login/", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read login page: %w", err)
	}
	m := csrfPattern.FindSubmatch(body)
	if m == nil {
		return errors.New("no CSRF token on Timesketch login page")
	}
	c.csrf = string(m[1])

	form := url.Values{
		"username":   {c.username},
		"password":   {c.password},
		"csrf_token": {c.csrf},
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/login/", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.host+"/login/")
	resp, err = c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login to Timesketch: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("login to Timesketch: %s", resp.Status)
	}

	c.loggedIn = true
	c.logger.Debug("logged in", zap.String("host", c.host), zap.String("username", c.username))
	return nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIRoot()+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-CSRFToken", c.csrf)
	return req, nil
}

func (c *HTTPClient) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Timesketch API request failed: %w", err)
	}
	//nolint:errcheck
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, req.Method, req.URL.Path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("Timesketch API %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, reader, contentType)
	if err != nil {
		return err
	}
	return c.send(req, out)
}
