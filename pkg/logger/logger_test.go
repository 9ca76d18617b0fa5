package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAttachesFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Get()
	Set(zap.New(core))
	defer Set(prev)

	ctx := context.WithValue(context.Background(), RunIDKey, "run-1")
	ctx = ContextWithFields(ctx, zap.String("pipeline", "p"))
	ctx = ContextWithFields(ctx, zap.String("node", "batch"))

	WithContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "p", fields["pipeline"])
	assert.Equal(t, "batch", fields["node"])
}

func TestContextWithFieldsDoesNotAlias(t *testing.T) {
	base := ContextWithFields(context.Background(), zap.String("a", "1"))
	left := ContextWithFields(base, zap.String("b", "2"))
	right := ContextWithFields(base, zap.String("c", "3"))

	assert.Len(t, FieldsFromContext(base), 1)
	assert.Equal(t, "b", FieldsFromContext(left)[1].Key)
	assert.Equal(t, "c", FieldsFromContext(right)[1].Key)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", Encoding: "json"})
	require.Error(t, err)
}

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(Config{Level: tt.level, OutputPaths: []string{"stderr"}})
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.want))
			assert.False(t, l.Core().Enabled(tt.want-1))
		})
	}

	_, err := New(Config{Encoding: "xml"})
	assert.Error(t, err)
}

func TestDecorateWithoutContextValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Decorate(zap.New(core), context.Background()).Info("plain")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}
