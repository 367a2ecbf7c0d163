package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineRecords(t *testing.T) {
	reg := NewPromRegistry(nil)
	p := NewPipeline(reg)

	p.ObserveStage("GRRHuntDownloader", "process", 2*time.Second)
	p.IncModuleError("GRRHuntDownloader", true)
	p.IncHuntCreated("FileFinder")
	p.IncHuntCreated("FileFinder")
	p.IncFileImported(true)
	p.IncFileImported(false)
	p.SetDiskFree("GRRHuntDownloader", 1<<30)

	assert.InDelta(t, 2, testutil.ToFloat64(p.huntsCreated.WithLabelValues("FileFinder")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.moduleErrors.WithLabelValues("GRRHuntDownloader", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.filesImported.WithLabelValues("failed")), 0)
	assert.InDelta(t, float64(1<<30), testutil.ToFloat64(p.diskFree.WithLabelValues("GRRHuntDownloader")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["dftw_module_stage_duration_seconds"])
	assert.True(t, names["dftw_timesketch_files_imported_total"])
}

func TestNilPipelineIsNoop(t *testing.T) {
	var p *Pipeline
	assert.NotPanics(t, func() {
		p.ObserveStage("m", "setup", time.Second)
		p.IncModuleError("m", false)
		p.IncHuntCreated("OsqueryFlow")
		p.IncFileImported(true)
		p.SetDiskFree("m", 0)
	})
}
