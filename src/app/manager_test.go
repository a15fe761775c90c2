package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	name     string
	startErr error
	stopErr  error
	log      *[]string
}

func (m *recordingModule) Name() string { return m.name }

func (m *recordingModule) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	*m.log = append(*m.log, "start "+m.name)
	return nil
}

func (m *recordingModule) Stop(context.Context) error {
	*m.log = append(*m.log, "stop "+m.name)
	return m.stopErr
}

func TestManager_StartStopOrder(t *testing.T) {
	var log []string
	m := NewManager(nil, &recordingModule{name: "a", log: &log}, nil)
	require.NoError(t, m.Add(&recordingModule{name: "b", log: &log}))
	require.NoError(t, m.Add(nil))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.ErrorIs(t, m.Start(ctx), ErrStarted)
	assert.ErrorIs(t, m.Add(&recordingModule{name: "c", log: &log}), ErrStarted)
	require.NoError(t, m.Stop(ctx))
	require.NoError(t, m.Stop(ctx))

	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
}

func TestManager_RollsBackOnFailure(t *testing.T) {
	var log []string
	m := NewManager(nil,
		&recordingModule{name: "a", log: &log},
		&recordingModule{name: "b", log: &log},
		&recordingModule{name: "c", startErr: errors.New("boom"), log: &log},
		&recordingModule{name: "d", log: &log},
	)

	err := m.Start(context.Background())

	assert.ErrorContains(t, err, "module c failed: boom")
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
	require.NoError(t, m.Stop(context.Background()))
	assert.Len(t, log, 4, "nothing to stop after a failed start")
}

func TestManager_StopJoinsErrors(t *testing.T) {
	var log []string
	closed := errors.New("already closed")
	m := NewManager(nil,
		&recordingModule{name: "redis", stopErr: closed, log: &log},
		&recordingModule{name: "http", log: &log},
	)
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())

	assert.ErrorIs(t, err, closed)
	assert.ErrorContains(t, err, "redis: already closed")
	assert.Equal(t, []string{"start redis", "start http", "stop http", "stop redis"}, log)
}
