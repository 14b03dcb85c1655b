package test

import (
	"testing"
)

type Logger interface {
	Output(maxdepth int, s string) error
}

type testLogger struct {
	tbl testing.TB
}

func (tl *testLogger) Output(maxdepth int, s string) error {
	tl.tbl.Log(s)
	return nil
}

func NewTestLogger(tbl testing.TB) Logger {
	return &testLogger{tbl}
}
