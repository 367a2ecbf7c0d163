package collector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dftw-collector/pkg/containers"
	"github.com/dftw-collector/pkg/grr"
	"github.com/dftw-collector/pkg/state"
)

func osqueryResult(clientID string, rows ...[]string) grr.HuntResult {
	table := grr.OsqueryTable{
		Query:  "SELECT pid, name FROM processes",
		Header: grr.OsqueryHeader{Columns: []grr.OsqueryColumn{{Name: "pid"}, {Name: "name"}}},
	}
	for _, r := range rows {
		table.Rows = append(table.Rows, grr.OsqueryRow{Values: r})
	}
	return grr.HuntResult{ClientID: clientID, PayloadType: "OsqueryResult", Payload: &grr.OsqueryResult{Table: table}}
}

func newOsqueryDownloader(t *testing.T, api *mockAPI, outputPath string) (*GRRHuntOsqueryDownloader, *state.State) {
	t.Helper()
	st := state.New(nil)
	d := NewGRRHuntOsqueryDownloader(st, testOptions(api)...)
	require.NoError(t, d.SetUpWithArgs(context.Background(), grrArgs(map[string]any{
		"hunt_id":     "H:12345",
		"output_path": outputPath,
	})))
	return d, st
}

func TestGetAndWriteResults(t *testing.T) {
	dir := t.TempDir()
	api := &mockAPI{}
	api.On("SearchClients", mock.Anything, "C.1").
		Return([]grr.Client{{ClientID: "C.1", Data: grr.ClientData{OSInfo: grr.OSInfo{FQDN: "TEST"}}}}, nil)
	hunt := newHunt("H:12345")
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{
		osqueryResult("C.1", []string{"1", "init"}),
		osqueryResult("C.1", []string{"2", "kthreadd"}),
	}, nil)

	d, _ := newOsqueryDownloader(t, api, dir)
	results, err := d.getAndWriteResults(context.Background(), hunt, dir)
	require.NoError(t, err)
	assert.Equal(t, []HostResult{{Host: "test", Path: filepath.Join(dir, "test.csv")}}, results)

	b, err := os.ReadFile(filepath.Join(dir, "test.csv"))
	require.NoError(t, err)
	assert.Equal(t, "pid,name\n1,init\n2,kthreadd\n", string(b))
	api.AssertNumberOfCalls(t, "SearchClients", 1)
}

func TestGetAndWriteResultsUnknownClient(t *testing.T) {
	dir := t.TempDir()
	api := &mockAPI{}
	api.On("SearchClients", mock.Anything, "C.2").Return([]grr.Client{}, nil)
	hunt := newHunt("H:12345")
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{osqueryResult("C.2", []string{"1", "init"})}, nil)

	d, _ := newOsqueryDownloader(t, api, dir)
	results, err := d.getAndWriteResults(context.Background(), hunt, dir)
	require.NoError(t, err)
	assert.Equal(t, []HostResult{{Host: "C.2", Path: filepath.Join(dir, "C.2.csv")}}, results)
}

func TestGetAndWriteResultsUnsafeFQDN(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "out")
	api := &mockAPI{}
	api.On("SearchClients", mock.Anything, "C.3").
		Return([]grr.Client{{Data: grr.ClientData{OSInfo: grr.OSInfo{FQDN: "../escaped"}}}}, nil)
	api.On("SearchClients", mock.Anything, "C.4").
		Return([]grr.Client{{Data: grr.ClientData{OSInfo: grr.OSInfo{FQDN: "sub/host"}}}}, nil)
	hunt := newHunt("H:12345")
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{
		osqueryResult("C.3", []string{"1", "init"}),
		osqueryResult("C.4", []string{"1", "init"}),
	}, nil)

	d, _ := newOsqueryDownloader(t, api, dir)
	results, err := d.getAndWriteResults(context.Background(), hunt, dir)
	require.NoError(t, err)
	assert.Equal(t, []HostResult{
		{Host: "C.3", Path: filepath.Join(dir, "C.3.csv")},
		{Host: "C.4", Path: filepath.Join(dir, "C.4.csv")},
	}, results)
	assert.NoFileExists(t, filepath.Join(root, "escaped.csv"))
	assert.NoDirExists(t, filepath.Join(dir, "sub"))
}

func TestGetAndWriteResultsNotOsquery(t *testing.T) {
	dir := t.TempDir()
	hunt := newHunt("H:12345")
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{
		{ClientID: "C.1", PayloadType: "FileFinderResult", Payload: &grr.FileFinderResult{}},
	}, nil)

	d, st := newOsqueryDownloader(t, &mockAPI{}, dir)
	_, err := d.getAndWriteResults(context.Background(), hunt, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Incorrect results format from C.1")
	assert.Contains(t, err.Error(), "Possibly not an osquery hunt.")
	require.Len(t, st.Errors(), 1)
	assert.True(t, st.Errors()[0].Critical)
}

func TestOsqueryDownloaderProcess(t *testing.T) {
	dir := t.TempDir()
	api := &mockAPI{}
	hunt := newHunt("H:12345")
	hunt.On("Get", mock.Anything).Return(hunt, nil)
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{
		osqueryResult("C.1", []string{"1", "init"}),
		osqueryResult("C.2", []string{"1", "launchd"}),
	}, nil)
	api.On("Hunt", "H:12345").Return(hunt)
	api.On("SearchClients", mock.Anything, "C.1").
		Return([]grr.Client{{Data: grr.ClientData{OSInfo: grr.OSInfo{FQDN: "web01.example.com"}}}}, nil)
	api.On("SearchClients", mock.Anything, "C.2").
		Return([]grr.Client{{Data: grr.ClientData{OSInfo: grr.OSInfo{FQDN: "Mac01.example.com"}}}}, nil)

	d, st := newOsqueryDownloader(t, api, dir)
	require.NoError(t, d.Process(context.Background()))

	files := state.GetContainers[*containers.File](st, false)
	require.Len(t, files, 2)
	assert.Equal(t, "web01.example.com", files[0].Name)
	assert.Equal(t, filepath.Join(dir, "mac01.example.com.csv"), files[1].Path)
}

func TestOsqueryDownloaderNoResults(t *testing.T) {
	api := &mockAPI{}
	hunt := newHunt("H:12345")
	hunt.On("Get", mock.Anything).Return(hunt, nil)
	hunt.On("ListResults", mock.Anything).Return([]grr.HuntResult{}, nil)
	api.On("Hunt", "H:12345").Return(hunt)

	d, st := newOsqueryDownloader(t, api, t.TempDir())
	require.NoError(t, d.Process(context.Background()))
	require.Len(t, st.Errors(), 1)
	assert.False(t, st.Errors()[0].Critical)
	assert.NoError(t, st.CheckErrors())
}
