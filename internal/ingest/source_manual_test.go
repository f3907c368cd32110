package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/tender-agent/internal/models"
	"github.com/david/tender-agent/internal/storage/memory"
)

func manualConfig() SourceConfig {
	return SourceConfig{ID: models.SourceManual, Name: "Manual", Kind: KindManual}
}

func TestManualConnector_DrainsQueue(t *testing.T) {
	c := NewManualConnector(manualConfig(), Deps{})
	assert.Equal(t, 2, c.Submit(
		ManualNotice{ExternalID: "M-1", Title: "Care home extension", ClassificationCodes: []string{"45215000"}},
		ManualNotice{ExternalID: "M-2"},
	))

	res, err := c.FetchAndNormalize(context.Background(), FetchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Tenders, 1)
	assert.Equal(t, "M-1", res.Tenders[0].ExternalID)
	assert.Equal(t, models.SourceManual, res.Tenders[0].Source)
	assert.Equal(t, []string{"healthcare", "new-build"}, res.Tenders[0].Tags)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "manual record M-2: malformed record: missing title", res.Errors[0])
	assert.Equal(t, 0, c.Pending())

	res, err = c.FetchAndNormalize(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Tenders)
	assert.Equal(t, 0, res.Pages)
}

func TestManualConnector_BudgetCutRequeuesTail(t *testing.T) {
	base := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}

	c := NewManualConnector(manualConfig(), Deps{})
	for i := 0; i < 30; i++ {
		c.Submit(ManualNotice{ExternalID: fmt.Sprintf("M-%02d", i), Title: "Works"})
	}
	store := memory.NewTenderStore()
	agent, err := New(Options{Repository: store, Connectors: []Connector{c}, RunBudget: 10 * time.Second, Clock: clock})
	require.NoError(t, err)

	res := agent.RunIngest(context.Background(), models.SourceManual)
	require.Less(t, res.TendersImported, 30)
	assert.Equal(t, 30-res.TendersImported, c.Pending(), "unpersisted notices go back on the queue")

	patient, err := New(Options{Repository: store, Connectors: []Connector{c}})
	require.NoError(t, err)
	res = patient.RunIngest(context.Background(), models.SourceManual)
	assert.Equal(t, 0, res.ErrorCount)
	assert.Equal(t, 0, res.TendersSkipped)
	assert.Equal(t, 30, store.Count())
	assert.Equal(t, 0, c.Pending())
}

func TestManualConnector_FlowsThroughAgent(t *testing.T) {
	c := NewManualConnector(manualConfig(), Deps{})
	store := memory.NewTenderStore()
	agent := newTestAgent(t, store, c)

	c.Submit(ManualNotice{ExternalID: "M-9", Title: "School roof"})
	res := agent.RunIngest(context.Background(), models.SourceManual)
	assert.Equal(t, 1, res.TendersImported)

	c.Submit(ManualNotice{ExternalID: "M-9", Title: "School roof"})
	res = agent.RunIngest(context.Background(), models.SourceManual)
	assert.Equal(t, 0, res.TendersImported)
	assert.Equal(t, 1, res.TendersSkipped)
}
