package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
)

func TestArtifactCollectorSetUp(t *testing.T) {
	st := state.New(nil)
	c := NewGRRHuntArtifactCollector(st, testOptions(&mockAPI{})...)

	err := c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{
		"artifacts":     "RandomArtifact",
		"use_tsk":       true,
		"max_file_size": "1234",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"RandomArtifact"}, c.Artifacts)
	assert.Equal(t, []string{"approver1", "approver2"}, c.approvers)
	assert.Equal(t, "random reason", c.reason)
	assert.True(t, c.UseTSK)
	assert.Equal(t, int64(1234), c.MaxFileSize)
	assert.Nil(t, c.ruleSet)
	assert.Empty(t, st.Errors())
}

func TestArtifactCollectorProcess(t *testing.T) {
	st := state.New(nil)
	msgs := recordMessages(st)
	api := &mockAPI{}
	hunt := newHunt("H:12345")
	hunt.On("Start", mock.Anything).Return(nil)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntArtifactCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{
		"artifacts":     "RandomArtifact",
		"use_tsk":       true,
		"max_file_size": "1234",
	})))
	require.NoError(t, c.Process(context.Background()))

	req := api.Calls[0].Arguments.Get(1).(grr.CreateHuntRequest)
	assert.Equal(t, grr.FlowArtifactCollector, req.FlowName)
	assert.Equal(t, grr.ArtifactCollectorFlowArgs{
		ArtifactList:              []string{"RandomArtifact"},
		UseRawFilesystemAccess:    true,
		IgnoreInterpolationErrors: true,
		ApplyParsers:              false,
		MaxFileSize:               1234,
	}, req.FlowArgs)
	assert.Equal(t, "random reason", req.HuntRunnerArgs.Description)
	assert.Contains(t, msgs.items, "H:12345: Hunt created")
	hunt.AssertCalled(t, "Start", mock.Anything)
}

func TestArtifactCollectorNoArtifacts(t *testing.T) {
	st := state.New(nil)
	c := NewGRRHuntArtifactCollector(st, testOptions(&mockAPI{})...)

	err := c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{"artifacts": " , "}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No artifacts were specified.")
	require.Len(t, st.Errors(), 1)
	assert.True(t, st.Errors()[0].Critical)
}

func TestSetUpRejectsMissingReason(t *testing.T) {
	st := state.New(nil)
	c := NewGRRHuntArtifactCollector(st, testOptions(&mockAPI{})...)

	args := grrArgs(map[string]any{"artifacts": "RandomArtifact"})
	delete(args, "reason")
	err := c.SetUpWithArgs(context.Background(), args)
	require.Error(t, err)
	assert.Error(t, st.CheckErrors())
}

func TestSetUpUsesDefaults(t *testing.T) {
	st := state.New(nil)
	opts := append(testOptions(&mockAPI{}), WithDefaults(GRROptions{
		GRRServerURL: "http://grr.local:8000",
		Reason:       "default reason",
	}))
	c := NewGRRHuntArtifactCollector(st, opts...)

	require.NoError(t, c.SetUpWithArgs(context.Background(), map[string]any{"artifacts": "BrowserHistory"}))
	assert.Equal(t, "default reason", c.reason)
	assert.Equal(t, defaultMaxFileSize, c.MaxFileSize)
}

func TestFileCollector(t *testing.T) {
	st := state.New(nil)
	api := &mockAPI{}
	hunt := newHunt("H:1")
	hunt.On("Start", mock.Anything).Return(nil)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntFileCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{
		"file_path_list": "/etc/passwd, /etc/shadow",
		"max_file_size":  "1234",
	})))
	assert.Equal(t, []string{"/etc/passwd", "/etc/shadow"}, c.FilePathList)

	st.StoreContainer(&containers.FSPath{Path: "/etc/hosts"})
	require.NoError(t, c.PreProcess(context.Background()))
	assert.Equal(t, []string{"/etc/passwd", "/etc/shadow", "/etc/hosts"}, c.FilePathList)

	require.NoError(t, c.Process(context.Background()))
	req := api.Calls[0].Arguments.Get(1).(grr.CreateHuntRequest)
	assert.Equal(t, grr.FlowFileFinder, req.FlowName)
	assert.Equal(t, grr.FileFinderArgs{
		Paths: []string{"/etc/passwd", "/etc/shadow", "/etc/hosts"},
		Action: grr.FileFinderAction{
			ActionType: grr.FileFinderActionDownload,
			Download:   &grr.FileFinderDownloadActionOptions{MaxSize: 1234},
		},
	}, req.FlowArgs)
}

func TestFileCollectorNoFiles(t *testing.T) {
	st := state.New(nil)
	c := NewGRRHuntFileCollector(st, testOptions(&mockAPI{})...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(nil)))

	err := c.PreProcess(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Files must be specified for hunts")
	assert.Len(t, st.Errors(), 1)
}

func TestOsqueryCollector(t *testing.T) {
	st := state.New(nil)
	api := &mockAPI{}
	hunt := newHunt("H:2")
	hunt.On("Start", mock.Anything).Return(nil)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntOsqueryCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(nil)))
	assert.Equal(t, defaultOsqueryTimeout, c.TimeoutMillis)

	st.StoreContainer(&containers.OsqueryQuery{Query: "SELECT * FROM processes", Name: "processes"})
	st.StoreContainer(&containers.OsqueryQuery{Query: "SELECT * FROM users", Name: "users", Platforms: []string{"linux"}})
	require.NoError(t, c.Process(context.Background()))

	api.AssertNumberOfCalls(t, "CreateHunt", 2)
	first := api.Calls[0].Arguments.Get(1).(grr.CreateHuntRequest)
	assert.Equal(t, grr.FlowOsquery, first.FlowName)
	assert.Equal(t, grr.OsqueryFlowArgs{
		Query:              "SELECT * FROM processes",
		TimeoutMillis:      300000,
		IgnoreStderrErrors: false,
	}, first.FlowArgs)
	assert.Nil(t, first.HuntRunnerArgs.ClientRuleSet)

	second := api.Calls[1].Arguments.Get(1).(grr.CreateHuntRequest)
	require.NotNil(t, second.HuntRunnerArgs.ClientRuleSet)
	assert.True(t, second.HuntRunnerArgs.ClientRuleSet.Rules[0].OS.OSLinux)
}

func TestOsqueryCollectorQueryArgument(t *testing.T) {
	st := state.New(nil)
	api := &mockAPI{}
	hunt := newHunt("H:3")
	hunt.On("Start", mock.Anything).Return(nil)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntOsqueryCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{
		"query":           "SELECT * FROM users",
		"query_platforms": "linux",
	})))

	queries := state.GetContainers[*containers.OsqueryQuery](st, false)
	require.Len(t, queries, 1)
	assert.Equal(t, []string{"linux"}, queries[0].Platforms)

	require.NoError(t, c.Process(context.Background()))
	api.AssertNumberOfCalls(t, "CreateHunt", 1)
	req := api.Calls[0].Arguments.Get(1).(grr.CreateHuntRequest)
	assert.Equal(t, "SELECT * FROM users", req.FlowArgs.(grr.OsqueryFlowArgs).Query)
	require.NotNil(t, req.HuntRunnerArgs.ClientRuleSet)
	assert.True(t, req.HuntRunnerArgs.ClientRuleSet.Rules[0].OS.OSLinux)
}

func TestOsqueryCollectorNoQueries(t *testing.T) {
	st := state.New(nil)
	c := NewGRRHuntOsqueryCollector(st, testOptions(&mockAPI{})...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(nil)))

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No osquery queries found.")
}

func TestBuildClientRuleSet(t *testing.T) {
	rs, err := buildClientRuleSet("all", []string{"Windows", "linux"}, []string{"prod", "web"})
	require.NoError(t, err)
	assert.Equal(t, &grr.ForemanClientRuleSet{
		MatchMode: grr.MatchAll,
		Rules: []grr.ForemanClientRule{
			{RuleType: grr.RuleTypeOS, OS: &grr.ForemanOsClientRule{OSWindows: true, OSLinux: true}},
			{RuleType: grr.RuleTypeLabel, Label: &grr.ForemanLabelClientRule{LabelNames: []string{"prod", "web"}, MatchMode: grr.MatchAll}},
		},
	}, rs)

	rs, err = buildClientRuleSet("", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, rs)

	_, err = buildClientRuleSet("any", []string{"plan9"}, nil)
	assert.Error(t, err)
}

func TestHuntStartWaitsForApproval(t *testing.T) {
	st := state.New(nil)
	msgs := recordMessages(st)
	api := &mockAPI{}
	hunt := newHunt("H:3")
	hunt.On("Start", mock.Anything).Return(grr.ErrAccessForbidden).Twice()
	hunt.On("Start", mock.Anything).Return(nil)
	hunt.On("CreateApproval", mock.Anything, "random reason", []string{"approver1", "approver2"}).Return(nil)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntArtifactCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{"artifacts": "RandomArtifact"})))
	require.NoError(t, c.Process(context.Background()))

	hunt.AssertNumberOfCalls(t, "Start", 3)
	hunt.AssertNumberOfCalls(t, "CreateApproval", 1)
	assert.Contains(t, msgs.items, "H:3: approval request sent to: approver1, approver2 (reason: random reason)")
	assert.Empty(t, st.Errors())
}

func TestHuntStartNeedsApprovers(t *testing.T) {
	st := state.New(nil)
	api := &mockAPI{}
	hunt := newHunt("H:4")
	hunt.On("Start", mock.Anything).Return(grr.ErrAccessForbidden)
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(hunt, nil)

	c := NewGRRHuntArtifactCollector(st, testOptions(api)...)
	args := grrArgs(map[string]any{"artifacts": "RandomArtifact"})
	args["approvers"] = ""
	require.NoError(t, c.SetUpWithArgs(context.Background(), args))

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRR needs approval but no approvers specified")
	assert.True(t, errors.Is(err, grr.ErrAccessForbidden))
	require.Len(t, st.Errors(), 1)
	hunt.AssertNotCalled(t, "CreateApproval", mock.Anything, mock.Anything, mock.Anything)
}

func TestHuntCreationFailure(t *testing.T) {
	st := state.New(nil)
	api := &mockAPI{}
	api.On("CreateHunt", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	c := NewGRRHuntArtifactCollector(st, testOptions(api)...)
	require.NoError(t, c.SetUpWithArgs(context.Background(), grrArgs(map[string]any{"artifacts": "RandomArtifact"})))

	err := c.Process(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to create ArtifactCollectorFlow hunt: boom")
	assert.Len(t, st.Errors(), 1)
}
