package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jpequegn/metamaprun/internal/errkind"
)

func TestBackoff(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Cap: 60 * time.Second, MaxAttempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second}, // would be 80s uncapped
		{6, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt-%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attempt))
		})
	}
}

func TestExhaustedAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	assert.False(t, p.ExhaustedAttempts(2))
	assert.True(t, p.ExhaustedAttempts(3))
	assert.True(t, p.ExhaustedAttempts(4))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, errkind.Unknown, Classify(nil))
	assert.Equal(t, errkind.Unknown, Classify(errors.New("plain")))

	wrapped := fmt.Errorf("invoker: %w", errkind.New(errkind.Timeout, "/a.txt", errors.New("boom")))
	assert.Equal(t, errkind.Timeout, Classify(wrapped))
}

func TestDecide_ParseNeverRetries(t *testing.T) {
	p := DefaultPolicy
	err := errkind.New(errkind.Parse, "/a.txt", errors.New("bad xml"))

	d := p.Decide(err, 1)
	assert.False(t, d.Retry)
	assert.Equal(t, errkind.Parse, d.Kind)
}

func TestDecide_RetriesUntilExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 2}
	err := errkind.New(errkind.Timeout, "/a.txt", errors.New("slow"))

	first := p.Decide(err, 1)
	assert.True(t, first.Retry)
	assert.Equal(t, time.Second, first.Wait)

	second := p.Decide(err, 2)
	assert.False(t, second.Retry)
}
