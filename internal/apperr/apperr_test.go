package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := fmt.Errorf("execute plan: %w", ExecutionTimeout("query.Execute", context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrExecutionTimeout))
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "cause must stay reachable")
	assert.Equal(t, KindExecutionTimeout, KindOf(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(StoreUnavailable("scan", errors.New("conn reset"))))
	assert.True(t, Retryable(ExecutionTimeout("scan", nil)))
	assert.False(t, Retryable(GraphCycle([]string{"a", "b"})))
	assert.False(t, Retryable(IsolationViolation("scan", "no tenant")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestErrorMessageNamesNode(t *testing.T) {
	err := UnresolvedField("agg-1", "price")
	assert.Contains(t, err.Error(), "node=agg-1")
	assert.Contains(t, err.Error(), "field=price")
	assert.True(t, IsCompilation(err))
}
