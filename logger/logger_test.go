package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/cadence/sym"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbosity  int
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
		{name: "Console debug", jsonOutput: false, verbosity: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			require.NoError(t, Initialize(tt.jsonOutput, tt.verbosity))
			require.NotNil(t, Logger)
			assert.Equal(t, tt.jsonOutput, JSONOutput)

			Logger = zap.NewNop().Sugar()
		})
	}
}

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(-1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(5))

	assert.False(t, ShouldEchoWorkerLines(1))
	assert.True(t, ShouldEchoWorkerLines(2))
	assert.Equal(t, "Debug (-v)", LevelName(1))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core).Sugar()

	ctx := WithScheduleID(context.Background(), "sch_1")
	ctx = WithRunID(ctx, "run_1")

	FromContext(ctx, base).Infow("Run started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sch_1", fields[FieldScheduleID])
	assert.Equal(t, "run_1", fields[FieldRunID])
}

func TestFromContextWithoutFields(t *testing.T) {
	base := zap.NewNop().Sugar()
	assert.Same(t, base, FromContext(context.Background(), base))
}

func TestSymbolWrappers(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	AddTickSymbol(base).Infow("tick")
	AddNotifySymbol(base).Infow("notify")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, sym.Tick, logs.All()[0].ContextMap()[FieldSymbol])
	assert.Equal(t, sym.Notify, logs.All()[1].ContextMap()[FieldSymbol])
}

func TestPackageHelpersWithNilLogger(t *testing.T) {
	saved := Logger
	defer func() { Logger = saved }()

	Logger = nil
	assert.NotPanics(t, func() {
		Infow("info")
		Warnw("warn")
		Errorw("error")
		Debugw("debug")
		Cleanup()
	})
}
