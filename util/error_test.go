package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ofsmmd/mmd/test"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

var errReset = errors.New("reset timed out")

func TestContextualError_Log(t *testing.T) {
	l, tl := test.NewCaptureLogger()

	tests := []struct {
		name string
		err  *ContextualError
		want string
	}{
		{"full", NewContextualError("Failed to open board", logrus.Fields{"handle": 1}, errReset), "level=error msg=\"Failed to open board\" error=\"reset timed out\" handle=1\n"},
		{"no fields", NewContextualError("Failed to open board", nil, errReset), "level=error msg=\"Failed to open board\" error=\"reset timed out\"\n"},
		{"no error", NewContextualError("Failed to open board", logrus.Fields{"handle": 1}, nil), "level=error msg=\"Failed to open board\" handle=1\n"},
		{"context only", NewContextualError("Failed to open board", nil, nil), "level=error msg=\"Failed to open board\"\n"},
		{"error only", NewContextualError("", nil, errReset), "level=error error=\"reset timed out\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl.Reset()
			tt.err.Log(l)
			assert.Equal(t, []string{tt.want}, tl.Logs())
		})
	}

	// entries keep their own fields
	tl.Reset()
	NewContextualError("Failed to open board", nil, nil).Log(l.WithField("board", "ofs_1"))
	assert.Equal(t, []string{"level=error msg=\"Failed to open board\" board=ofs_1\n"}, tl.Logs())
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := test.NewCaptureLogger()

	e := NewContextualError("Failed to open board", logrus.Fields{"handle": 1}, errReset)
	LogWithContextIfNeeded("Failed to start", e, l)
	assert.Equal(t, []string{"level=error msg=\"Failed to open board\" error=\"reset timed out\" handle=1\n"}, tl.Logs())

	// found through a wrapping error
	tl.Reset()
	LogWithContextIfNeeded("Failed to start", fmt.Errorf("open: %w", e), l)
	assert.Equal(t, []string{"level=error msg=\"Failed to open board\" error=\"reset timed out\" handle=1\n"}, tl.Logs())

	tl.Reset()
	LogWithContextIfNeeded("Failed to start", errors.New("no accelerator boards"), l)
	assert.Equal(t, []string{"level=error msg=\"Failed to start\" error=\"no accelerator boards\"\n"}, tl.Logs())
}

func TestContextualizeIfNeeded(t *testing.T) {
	e := NewContextualError("Failed to open board", logrus.Fields{"handle": 1}, errReset)
	assert.Same(t, e, ContextualizeIfNeeded("Failed to start", e))

	wrapped := fmt.Errorf("open: %w", e)
	assert.Equal(t, wrapped, ContextualizeIfNeeded("Failed to start", wrapped))

	err := errors.New("no accelerator boards")
	var ce *ContextualError
	if assert.ErrorAs(t, ContextualizeIfNeeded("Failed to start", err), &ce) {
		assert.Equal(t, "Failed to start", ce.Context)
		assert.Equal(t, err, ce.RealError)
	}
}

func TestContextualError_Error(t *testing.T) {
	e := NewContextualError("Failed to open board", logrus.Fields{"name": "ofs_1", "handle": 1}, fmt.Errorf("initialize: %w", errReset))
	assert.ErrorIs(t, e, errReset)
	assert.Equal(t, "Failed to open board (handle=1 name=ofs_1): initialize: reset timed out", e.Error())

	e = NewContextualError("No device backend available", nil, nil)
	assert.Equal(t, "No device backend available", e.Error())
	assert.NoError(t, e.Unwrap())

	e = NewContextualError("", nil, errReset)
	assert.Equal(t, "reset timed out", e.Error())
}
