package collector

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) CreateHunt(ctx context.Context, req grr.CreateHuntRequest) (grr.Hunt, error) {
	args := m.Called(ctx, req)
	h, _ := args.Get(0).(grr.Hunt)
	return h, args.Error(1)
}

func (m *mockAPI) Hunt(huntID string) grr.Hunt {
	return m.Called(huntID).Get(0).(grr.Hunt)
}

func (m *mockAPI) SearchClients(ctx context.Context, query string) ([]grr.Client, error) {
	args := m.Called(ctx, query)
	clients, _ := args.Get(0).([]grr.Client)
	return clients, args.Error(1)
}

type mockHunt struct{ mock.Mock }

func (m *mockHunt) ID() string { return m.Called().String(0) }

func (m *mockHunt) Get(ctx context.Context) (grr.Hunt, error) {
	args := m.Called(ctx)
	h, _ := args.Get(0).(grr.Hunt)
	return h, args.Error(1)
}

func (m *mockHunt) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockHunt) CreateApproval(ctx context.Context, reason string, notifiedUsers []string) error {
	return m.Called(ctx, reason, notifiedUsers).Error(0)
}

func (m *mockHunt) GetFilesArchive(ctx context.Context, w io.Writer) error {
	return m.Called(ctx, w).Error(0)
}

func (m *mockHunt) ListResults(ctx context.Context) ([]grr.HuntResult, error) {
	args := m.Called(ctx)
	results, _ := args.Get(0).([]grr.HuntResult)
	return results, args.Error(1)
}

func newHunt(id string) *mockHunt {
	h := &mockHunt{}
	h.On("ID").Return(id)
	return h
}

// testOptions 注入 api，并把审批轮询调快
func testOptions(api grr.API) []Option {
	return []Option{
		WithAPIFactory(func(string, string, string, bool, *zap.Logger) (grr.API, error) {
			return api, nil
		}),
		WithApprovalPolling(time.Millisecond, time.Second),
	}
}

// grrArgs GRR 模块测试共用的连接参数
func grrArgs(extra map[string]any) map[string]any {
	args := map[string]any{
		"reason":         "random reason",
		"grr_server_url": "http://fake/url",
		"grr_username":   "admin",
		"grr_password":   "admin",
		"approvers":      "approver1,approver2",
		"verify":         false,
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

type messages struct {
	items []string
}

func recordMessages(st *state.State) *messages {
	m := &messages{}
	st.RegisterMessageCallback(func(_, message string, _ bool) {
		m.items = append(m.items, message)
	})
	return m
}
