package assistant

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vnmchuo/reportdesk/internal/provider"
)

const (
	fallbackEncoding = "cl100k_base"
	perMessageTokens = 4
	charsPerToken    = 4
)

// Estimator approximates prompt size before a call so the quota check has a
// number to work with. Encodings are loaded once per model; when none can be
// loaded it falls back to a character count.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	offline   bool
	// load may fetch BPE data over the network and runs outside mu.
	load      func(model string) *tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken), load: loadEncoding}
}

// NewApproxEstimator never loads BPE data; every estimate uses the
// character count.
func NewApproxEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken), offline: true}
}

// Estimate returns prompt tokens plus the requested completion budget.
func (e *Estimator) Estimate(model string, messages []provider.Message, maxOutput int) int64 {
	enc := e.encoding(model)
	total := 0
	for _, m := range messages {
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
		} else {
			total += (len(m.Content) + charsPerToken - 1) / charsPerToken
		}
		total += perMessageTokens
	}
	if maxOutput > 0 {
		total += maxOutput
	}
	return int64(total)
}

func (e *Estimator) encoding(model string) *tiktoken.Tiktoken {
	if e.offline {
		return nil
	}
	e.mu.Lock()
	enc, ok := e.encodings[model]
	e.mu.Unlock()
	if ok {
		return enc
	}

	enc = e.load(model)

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.encodings[model]; ok {
		return cached
	}
	e.encodings[model] = enc
	return enc
}

func loadEncoding(model string) *tiktoken.Tiktoken {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc
	}
	enc, err = tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil
	}
	return enc
}
