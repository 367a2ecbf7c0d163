package exporter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/state"
	"github.com/dftw-collector/pkg/timesketch"
)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) GetSketch(ctx context.Context, id int) (*timesketch.Sketch, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*timesketch.Sketch)
	return s, args.Error(1)
}

func (m *mockAPI) CreateSketch(ctx context.Context, name, description string) (*timesketch.Sketch, error) {
	args := m.Called(ctx, name, description)
	s, _ := args.Get(0).(*timesketch.Sketch)
	return s, args.Error(1)
}

func (m *mockAPI) ListTimelines(ctx context.Context, sketchID int) ([]timesketch.Timeline, error) {
	args := m.Called(ctx, sketchID)
	tl, _ := args.Get(0).([]timesketch.Timeline)
	return tl, args.Error(1)
}

func (m *mockAPI) RunAnalyzer(ctx context.Context, sketchID int, analyzer string, timelineID int) error {
	return m.Called(ctx, sketchID, analyzer, timelineID).Error(0)
}

func (m *mockAPI) ImportFile(ctx context.Context, sketchID int, opts timesketch.ImportOptions) error {
	return m.Called(ctx, sketchID, opts).Error(0)
}

func newExporter(api *mockAPI) (*TimesketchExporter, *state.State) {
	st := state.New(nil)
	st.Recipe["name"] = "test_recipe"
	e := NewTimesketchExporter(st,
		WithAPIFactory(func(string, string, string, bool, *zap.Logger) (timesketch.API, error) {
			return api, nil
		}),
		WithTimelinePolling(time.Millisecond, time.Second),
	)
	return e, st
}

func setUpArgs(extra map[string]any) map[string]any {
	args := map[string]any{
		"endpoint": "http://timesketch.com",
		"username": "analyst",
		"password": "secret",
	}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func writableSketch(id int) *timesketch.Sketch {
	return &timesketch.Sketch{ID: id, MyACL: []string{"read", "write"}, APIRoot: "timesketch.com/api/v1"}
}

func TestSetUpWithSketchID(t *testing.T) {
	api := &mockAPI{}
	api.On("GetSketch", mock.Anything, 1234).Return(writableSketch(1234), nil)
	e, st := newExporter(api)

	require.NoError(t, e.SetUpWithArgs(context.Background(), setUpArgs(map[string]any{
		"incident_id":        "1234",
		"sketch_id":          "1234",
		"analyzers":          "domain, hashr_lookup",
		"wait_for_timelines": true,
	})))

	assert.Equal(t, []string{"domain", "hashr_lookup"}, e.analyzers)
	assert.True(t, e.waitForTimelines)
	cached, ok := st.GetFromCache(SketchCacheKey)
	require.True(t, ok)
	assert.Equal(t, 1234, cached.(*timesketch.Sketch).ID)
}

func TestSetUpNoWriteAccess(t *testing.T) {
	api := &mockAPI{}
	api.On("GetSketch", mock.Anything, 1234).
		Return(&timesketch.Sketch{ID: 1234, MyACL: []string{"read"}}, nil)
	e, st := newExporter(api)

	err := e.SetUpWithArgs(context.Background(), setUpArgs(map[string]any{"sketch_id": 1234}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No write access to sketch ID 1234, aborting")
	require.Len(t, st.Errors(), 1)
	assert.True(t, st.Errors()[0].Critical)
}

func TestSetUpWithoutEndpoint(t *testing.T) {
	e, st := newExporter(&mockAPI{})
	err := e.SetUpWithArgs(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Error(t, st.CheckErrors())
}

func TestSetUpSketchFromTicketAttribute(t *testing.T) {
	api := &mockAPI{}
	api.On("GetSketch", mock.Anything, 77).Return(writableSketch(77), nil)
	e, st := newExporter(api)
	st.StoreContainer(&containers.TicketAttribute{
		Type: "text", Name: "Timesketch URL", Value: "https://timesketch.com/sketch/77/explore",
	})

	require.NoError(t, e.SetUpWithArgs(context.Background(), setUpArgs(nil)))
	assert.Equal(t, 77, e.sketchID)
}

func TestPreProcessCreatesSketch(t *testing.T) {
	api := &mockAPI{}
	api.On("CreateSketch", mock.Anything, "Sketch for incident ID: 1234", "Sketch generated by dfTimewolf").
		Return(writableSketch(5), nil)
	e, st := newExporter(api)
	require.NoError(t, e.SetUpWithArgs(context.Background(), setUpArgs(map[string]any{"incident_id": "1234"})))

	require.NoError(t, e.PreProcess(context.Background()))
	assert.Equal(t, 5, e.sketchID)
	_, ok := st.GetFromCache(SketchCacheKey)
	assert.True(t, ok)
}

func TestPreProcessUntitledSketch(t *testing.T) {
	api := &mockAPI{}
	api.On("CreateSketch", mock.Anything, "Untitled sketch", "Sketch generated by dfTimewolf").
		Return(writableSketch(6), nil)
	e, _ := newExporter(api)
	require.NoError(t, e.SetUpWithArgs(context.Background(), setUpArgs(nil)))
	require.NoError(t, e.PreProcess(context.Background()))
	assert.Equal(t, 6, e.sketchID)
}

func TestPreProcessUsesCachedSketch(t *testing.T) {
	api := &mockAPI{}
	e, st := newExporter(api)
	st.AddToCache(SketchCacheKey, writableSketch(9))
	require.NoError(t, e.SetUpWithArgs(context.Background(), setUpArgs(nil)))

	require.NoError(t, e.PreProcess(context.Background()))
	assert.Equal(t, 9, e.sketchID)
	api.AssertNotCalled(t, "CreateSketch", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessImportsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.plaso")
	require.NoError(t, os.WriteFile(path, []byte("plaso"), 0o600))

	api := &mockAPI{}
	api.On("ImportFile", mock.Anything, 1234, mock.Anything).Return(nil)
	e, st := newExporter(api)
	e.api = api
	e.sketch = writableSketch(1234)
	e.sketchID = 1234

	require.NoError(t, e.Process(context.Background(), &containers.File{Name: "host1", Path: path}))

	opts := api.Calls[0].Arguments.Get(2).(timesketch.ImportOptions)
	assert.Equal(t, "host1", opts.TimelineName)
	assert.Equal(t, "dfTimewolf", opts.Provider)
	assert.Equal(t, path, opts.Path)
	assert.Contains(t, opts.UploadContext, "test_recipe")
	assert.Empty(t, st.Errors())
}

func TestProcessImportsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.jsonl"), []byte("x"), 0o600))

	api := &mockAPI{}
	api.On("ImportFile", mock.Anything, 1, mock.Anything).Return(nil)
	e, _ := newExporter(api)
	e.api = api
	e.sketchID = 1

	require.NoError(t, e.Process(context.Background(), &containers.File{Name: "host", Path: dir}))
	api.AssertNumberOfCalls(t, "ImportFile", 2)
	names := []string{
		api.Calls[0].Arguments.Get(2).(timesketch.ImportOptions).TimelineName,
		api.Calls[1].Arguments.Get(2).(timesketch.ImportOptions).TimelineName,
	}
	assert.ElementsMatch(t, []string{"host_a", "host_b"}, names)
}

func TestProcessMissingFileIsNotCritical(t *testing.T) {
	e, st := newExporter(&mockAPI{})
	require.NoError(t, e.Process(context.Background(), &containers.File{Name: "x", Path: "/nonexistent/file.csv"}))
	require.Len(t, st.Errors(), 1)
	assert.False(t, st.Errors()[0].Critical)
}

func TestPostProcessReport(t *testing.T) {
	api := &mockAPI{}
	api.On("ListTimelines", mock.Anything, 1234).
		Return([]timesketch.Timeline{{ID: 1, Name: "host1", Status: timesketch.TimelineReady}}, nil)
	e, st := newExporter(api)
	e.api = api
	e.sketch = writableSketch(1234)
	e.sketchID = 1234
	e.waitForTimelines = true

	require.NoError(t, e.PostProcess(context.Background()))

	reports := state.GetContainers[*containers.Report](st, false)
	require.Len(t, reports, 1)
	assert.Equal(t, "Your Timesketch URL is: timesketch.com/sketches/1234/", reports[0].Text)
	assert.Equal(t, "TimesketchExporter", reports[0].ModuleName)
	assert.Equal(t, "markdown", reports[0].TextFormat)
	api.AssertNumberOfCalls(t, "ListTimelines", 1)
}

func TestPostProcessWaitsAndRunsAnalyzers(t *testing.T) {
	api := &mockAPI{}
	api.On("ListTimelines", mock.Anything, 1).
		Return([]timesketch.Timeline{{ID: 1, Name: "a", Status: timesketch.TimelineProcessing}}, nil).Once()
	api.On("ListTimelines", mock.Anything, 1).
		Return([]timesketch.Timeline{{ID: 1, Name: "a", Status: timesketch.TimelineReady}}, nil)
	api.On("RunAnalyzer", mock.Anything, 1, mock.Anything, 1).Return(nil)

	e, st := newExporter(api)
	e.api = api
	e.sketch = writableSketch(1)
	e.sketchID = 1
	e.waitForTimelines = true
	e.analyzers = []string{"domain", "tagger"}

	require.NoError(t, e.PostProcess(context.Background()))
	api.AssertNumberOfCalls(t, "ListTimelines", 2)
	api.AssertCalled(t, "RunAnalyzer", mock.Anything, 1, "domain", 1)
	api.AssertCalled(t, "RunAnalyzer", mock.Anything, 1, "tagger", 1)
	assert.Empty(t, st.Errors())
}

func TestThreadAware(t *testing.T) {
	e, _ := newExporter(&mockAPI{})
	assert.Equal(t, "file", e.ThreadOnContainerType())
	assert.Equal(t, defaultMaxThreads, e.MaxThreads())
}
