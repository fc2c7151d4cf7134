package reports

import (
	"context"
	"errors"
	"testing"

	"github.com/rmax-ai/pulse/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRunSource struct {
	mock.Mock
}

func (m *MockRunSource) Run(ctx context.Context, id string) (engine.RunState, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(engine.RunState), args.Error(1)
}

func (m *MockRunSource) Runs(ctx context.Context) ([]engine.RunState, error) {
	args := m.Called(ctx)
	runs, _ := args.Get(0).([]engine.RunState)
	return runs, args.Error(1)
}

func TestRunsReport_SourceError(t *testing.T) {
	src := new(MockRunSource)
	src.On("Runs", mock.Anything).Return(nil, errors.New("database is locked"))

	_, err := NewRunsReport(src, ReportFormatJSON).Generate(context.Background(), ReportParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	src.AssertExpectations(t)
}

func TestPhaseReport_LooksUpRequestedRun(t *testing.T) {
	src := new(MockRunSource)
	src.On("Run", mock.Anything, "run-9").Return(engine.RunState{
		RunID:  "run-9",
		Status: engine.StatusCompleted,
		Phases: []engine.PhaseState{{Name: "exfil", EventCount: 4, Scheduled: 4, Emitted: 4, Done: true}},
	}, nil)

	reader, err := NewPhaseReport(src, ReportFormatCSV).Generate(context.Background(), ReportParams{RunID: "run-9"})
	require.NoError(t, err)
	require.NotNil(t, reader)
	src.AssertExpectations(t)
	src.AssertNotCalled(t, "Runs", mock.Anything)
}
