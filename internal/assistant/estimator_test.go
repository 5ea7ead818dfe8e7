package assistant

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/reportdesk/internal/provider"
)

func TestEstimator_SlowLoadDoesNotBlockOtherModels(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var loads atomic.Int32
	e := &Estimator{
		encodings: map[string]*tiktoken.Tiktoken{},
		load: func(model string) *tiktoken.Tiktoken {
			loads.Add(1)
			if model == "slow" {
				close(started)
				<-release
			}
			return nil
		},
	}
	msgs := []provider.Message{{Role: "user", Content: "abcdefgh"}}

	slowDone := make(chan int64)
	go func() { slowDone <- e.Estimate("slow", msgs, 0) }()
	<-started

	fastDone := make(chan int64)
	go func() { fastDone <- e.Estimate("fast", msgs, 0) }()

	select {
	case n := <-fastDone:
		assert.Equal(t, int64(2+perMessageTokens), n)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("estimate for a loaded model blocked on another model's encoding load")
	}

	close(release)
	assert.Equal(t, int64(2+perMessageTokens), <-slowDone)

	e.Estimate("slow", msgs, 0)
	e.Estimate("fast", msgs, 0)
	assert.Equal(t, int32(2), loads.Load())
}

func TestApproxEstimator(t *testing.T) {
	e := NewApproxEstimator()
	msgs := []provider.Message{{Role: "system", Content: "abcde"}, {Role: "user", Content: ""}}

	n := e.Estimate("gpt-4o-mini", msgs, 100)
	require.Equal(t, int64(2+perMessageTokens*2+100), n)
}
