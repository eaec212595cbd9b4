package executor

import (
	"sync"

	"go.uber.org/zap"
)

// One executor for tests whose guests import nothing beyond WASI and the
// bridge, so each test does not pay for a fresh runtime.
var (
	testExecutor     *Executor
	testExecutorOnce sync.Once
	testExecutorErr  error
)

// GetTestExecutor returns a process-wide executor that logs nowhere and
// keeps no disk cache. Callers must close their instances but not the
// executor. Guests that import extra host modules need their own executor.
func GetTestExecutor() (*Executor, error) {
	testExecutorOnce.Do(func() {
		testExecutor, testExecutorErr = New(WithLogger(zap.NewNop()))
	})
	return testExecutor, testExecutorErr
}

// CloseTestExecutor closes the shared executor; the next GetTestExecutor
// creates a new one.
func CloseTestExecutor() {
	if testExecutor != nil {
		testExecutor.Close()
		testExecutor = nil
		testExecutorOnce = sync.Once{}
	}
}
