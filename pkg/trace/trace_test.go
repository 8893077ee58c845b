package trace_test

import (
	"testing"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestIDPrefixes(t *testing.T) {
	r := trace.NewRegistry(nil)

	m := r.NewMission(map[string]string{"team": "infra"})
	p, err := r.NewPlan(m.MissionID, trace.PlanDAG)
	require.NoError(t, err)
	j, err := r.NewJob(p.PlanID, "data_collection", nil, false)
	require.NoError(t, err)
	a, err := r.NewAttempt(j.JobID)
	require.NoError(t, err)

	assert.Regexp(t, `^m_\d+_[0-9a-f]{8}$`, m.MissionID)
	assert.Regexp(t, `^p_\d+_[0-9a-f]{8}$`, p.PlanID)
	assert.Regexp(t, `^j_\d+_[0-9a-f]{8}$`, j.JobID)
	assert.Regexp(t, `^a_\d+_[0-9a-f]{8}$`, a.AttemptID)
}

func TestOrphanConstructorsFail(t *testing.T) {
	r := trace.NewRegistry(nil)

	_, err := r.NewPlan("m_unknown", trace.PlanSequential)
	assert.Equal(t, fault.CodeOrphanKilled, fault.CodeOf(err))

	_, err = r.NewJob("p_unknown", "llm_call", nil, false)
	assert.Equal(t, fault.CodeOrphanKilled, fault.CodeOf(err))

	_, err = r.NewAttempt("j_unknown")
	assert.Equal(t, fault.CodeOrphanKilled, fault.CodeOf(err))
}

func TestTraceReconstructsChain(t *testing.T) {
	r := trace.NewRegistry(nil)
	m := r.NewMission(nil)
	p, err := r.NewPlan(m.MissionID, trace.PlanDAG)
	require.NoError(t, err)
	j, err := r.NewJob(p.PlanID, "deploy", []string{"j_other"}, true)
	require.NoError(t, err)
	a, err := r.NewAttempt(j.JobID)
	require.NoError(t, err)

	chain, err := r.Trace(a.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, m.MissionID, chain.Mission.MissionID)
	assert.Equal(t, p.PlanID, chain.Plan.PlanID)
	assert.Equal(t, j.JobID, chain.Job.JobID)
	assert.Equal(t, a.AttemptID, chain.Attempt.AttemptID)

	_, err = r.Trace("a_missing")
	assert.Equal(t, fault.CodeMissingTraceContext, fault.CodeOf(err))
}

func TestAttemptNumbersAreStrictlyOrdered(t *testing.T) {
	r := trace.NewRegistry(nil)
	m := r.NewMission(nil)
	p, _ := r.NewPlan(m.MissionID, trace.PlanSequential)
	j, _ := r.NewJob(p.PlanID, "web_search", nil, false)

	for i := 1; i <= 3; i++ {
		a, err := r.NewAttempt(j.JobID)
		require.NoError(t, err)
		assert.Equal(t, i, a.AttemptNumber)
	}
}

func TestFinishAttempt(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	r := trace.NewRegistry(clk)
	m := r.NewMission(nil)
	p, _ := r.NewPlan(m.MissionID, trace.PlanSequential)
	j, _ := r.NewJob(p.PlanID, "erp_sync", nil, false)
	a, _ := r.NewAttempt(j.JobID)

	clk.now = clk.now.Add(time.Minute)
	require.NoError(t, r.FinishAttempt(a.AttemptID, trace.AttemptSucceeded))

	got, ok := r.Attempt(a.AttemptID)
	require.True(t, ok)
	assert.Equal(t, trace.AttemptSucceeded, got.Status)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, clk.now, *got.EndTime)
}

func TestDeleteMissionTombstonesDescendants(t *testing.T) {
	r := trace.NewRegistry(nil)
	m := r.NewMission(nil)
	p, _ := r.NewPlan(m.MissionID, trace.PlanDAG)
	j, _ := r.NewJob(p.PlanID, "cleanup", nil, false)
	a, _ := r.NewAttempt(j.JobID)

	r.DeleteMission(m.MissionID)

	_, ok := r.Mission(m.MissionID)
	assert.False(t, ok)
	_, ok = r.Plan(p.PlanID)
	assert.False(t, ok)
	_, ok = r.Job(j.JobID)
	assert.False(t, ok)
	_, ok = r.Attempt(a.AttemptID)
	assert.False(t, ok)
}
