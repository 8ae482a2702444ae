package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/knoguchi/hybridrag/internal/fusion"
	"github.com/knoguchi/hybridrag/internal/llm"
	"github.com/knoguchi/hybridrag/internal/metrics"
	"github.com/knoguchi/hybridrag/internal/resilience"
)

// DefaultTimeout bounds one remote judging round trip, repair included.
const DefaultTimeout = 8 * time.Second

// Judgement is the relevance judge's verdict for one passage.
type Judgement struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"` // 0..10
	Reason string  `json:"reason,omitempty"`
}

// Judgements accepts either a bare JSON array or an object wrapping the
// array under "rankings", "scores", "results" or "judgements".
type Judgements []Judgement

// UnmarshalJSON implements json.Unmarshaler.
func (j *Judgements) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var list []Judgement
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*j = list
		return nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return err
	}
	for _, key := range []string{"rankings", "scores", "results", "judgements"} {
		if raw, ok := wrapper[key]; ok {
			var list []Judgement
			if err := json.Unmarshal(raw, &list); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*j = list
			return nil
		}
	}
	return errors.New("expected a JSON array of judgements")
}

// Validate implements llm.Validator.
func (j Judgements) Validate() error {
	if len(j) == 0 {
		return errors.New("no judgements")
	}
	for i, v := range j {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("judgement %d: missing id", i)
		}
		if math.IsNaN(v.Score) || v.Score < 0 || v.Score > 10 {
			return fmt.Errorf("judgement %d: score %v outside [0,10]", i, v.Score)
		}
	}
	return nil
}

const judgementSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "id": {"type": "string"},
      "score": {"type": "number", "minimum": 0, "maximum": 10},
      "reason": {"type": "string"}
    },
    "required": ["id", "score"]
  }
}`

const judgeSystemPrompt = "You are a relevance scoring system for a company knowledge base. Output only JSON."

// LLMReranker uses the structured LLM service as a relevance judge.
type LLMReranker struct {
	llm      llm.StructuredLLM
	repairer llm.Repairer
	model    string
	timeout  time.Duration
	breaker  *resilience.Breaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithTimeout bounds each remote judging call.
func WithTimeout(d time.Duration) LLMRerankerOption {
	return func(r *LLMReranker) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *resilience.Breaker) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.breaker = b
	}
}

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.metrics = m
	}
}

// WithRepairer overrides the remote JSON repairer. Pass nil to disable remote repair.
func WithRepairer(rep llm.Repairer) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.repairer = rep
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(client llm.StructuredLLM, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		llm:      client,
		repairer: llm.RemoteRepairer{LLM: client},
		timeout:  DefaultTimeout,
		logger:   slog.Default().With("component", "reranker"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewBreaker("reranker", resilience.BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			OnStateChange: func(name string, to resilience.State) {
				r.metrics.SetBreakerState(name, int(to))
			},
		})
	}
	return r
}

// Rerank implements Reranker. It never fails: any remote problem yields the
// fallback ordering with Result.Err explaining why.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []fusion.Candidate, limit int, opts Options) Result {
	strategy := StrategyFor(candidates, opts)
	res := Result{Strategy: strategy.Name(), Outcome: StateIdle}

	if len(candidates) == 0 {
		res.Candidates = []fusion.Candidate{}
		res.State = StateApplied
		return res
	}

	var judged Judgements
	err := r.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var err error
		judged, res.Outcome, err = r.judge(ctx, query, candidates, strategy)
		return err
	})

	if err != nil {
		res.Err = err
		res.State = StateFallbackApplied
		res.Candidates = Fallback(candidates, limit, opts, strategy.SupportsVisualContext())
		r.logger.Warn("rerank fell back to heuristic",
			"outcome", res.Outcome.String(),
			"candidates", len(candidates),
			"error", err,
		)
	} else {
		res.State = StateApplied
		res.Candidates = apply(candidates, judged, limit, opts.IncludeExplanations)
	}

	r.metrics.ObserveRerank(res.Outcome.String(), res.State.String())
	return res
}

type reply struct {
	raw string
	err error
}

// judge sends the prompt and waits for the reply or the deadline. The call
// runs under a context that is cancelled on return, so a request that loses
// the race is aborted and its late reply lands in the buffered channel unread.
func (r *LLMReranker) judge(ctx context.Context, query string, candidates []fusion.Candidate, strategy Strategy) (Judgements, State, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	schema := json.RawMessage(judgementSchema)
	req := llm.StructuredRequest{
		SystemPrompt: judgeSystemPrompt,
		UserPrompt:   buildPrompt(query, candidates, strategy),
		Schema:       schema,
		Model:        r.model,
		Temperature:  0,
		MaxTokens:    1024,
	}

	replies := make(chan reply, 1)
	go func() {
		raw, err := r.llm.GenerateStructured(callCtx, req)
		replies <- reply{raw: raw, err: err}
	}()

	var rep reply
	select {
	case rep = <-replies:
	case <-callCtx.Done():
		return nil, timeoutState(ctx), timeoutErr(ctx)
	}

	if rep.err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutState(ctx), timeoutErr(ctx)
		}
		return nil, StateError, fmt.Errorf("judging request: %w", rep.err)
	}

	var judged Judgements
	out := llm.Decode(callCtx, rep.raw, &judged, schema, r.repairer)
	if out.Kind != llm.OutcomeOK {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, StateTimeout, ErrRemoteTimeout
		}
		return nil, StateError, out.Reason
	}
	if !matchesAny(judged, candidates) {
		return nil, StateError, fmt.Errorf("%w: no judgement matches a candidate id", llm.ErrMalformedResponse)
	}
	return judged, StateSuccess, nil
}

// timeoutState separates our own deadline from the caller giving up.
func timeoutState(parent context.Context) State {
	if parent.Err() != nil {
		return StateError
	}
	return StateTimeout
}

func timeoutErr(parent context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	return ErrRemoteTimeout
}

func matchesAny(judged Judgements, candidates []fusion.Candidate) bool {
	ids := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		ids[c.Passage.ID] = struct{}{}
	}
	for _, j := range judged {
		if _, ok := ids[j.ID]; ok {
			return true
		}
	}
	return false
}

// apply blends each judged score (rescaled to [0,1]) with the fused score.
// Candidates the judge skipped keep their fused score.
func apply(candidates []fusion.Candidate, judged Judgements, limit int, explain bool) []fusion.Candidate {
	byID := make(map[string]Judgement, len(judged))
	for _, j := range judged {
		if _, dup := byID[j.ID]; !dup {
			byID[j.ID] = j
		}
	}

	out := make([]fusion.Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		c := &out[i]
		j, ok := byID[c.Passage.ID]
		if !ok {
			continue
		}
		s := j.Score / 10
		c.RerankScore = &s
		c.CombinedScore = (c.CombinedScore + s) / 2
		if explain && j.Reason != "" {
			c.Explanation = j.Reason
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CombinedScore > out[j].CombinedScore
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func buildPrompt(query string, candidates []fusion.Candidate, strategy Strategy) string {
	var sb strings.Builder

	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	sb.WriteString(strategy.Instructions())
	sb.WriteString("\n\nPassages:\n\n")
	for _, c := range candidates {
		strategy.WriteCandidate(&sb, c)
	}

	sb.WriteString(`Score every passage from 0 to 10 for relevance to the query.
Output ONLY a JSON array in this exact format:
[{"id": "<passage id>", "score": 8, "reason": "one short sentence"}]

Be strict: irrelevant passages score below 3, somewhat relevant 3-7, highly relevant above 7.`)

	return sb.String()
}

var _ Reranker = (*LLMReranker)(nil)
