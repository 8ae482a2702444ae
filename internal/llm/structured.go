package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// ErrMalformedResponse is returned when structured output cannot be decoded
// and validated even after repair.
var ErrMalformedResponse = errors.New("malformed structured response")

// OutcomeKind tags the result of decoding structured output.
type OutcomeKind int

const (
	// OutcomeOK means the target holds a validated value.
	OutcomeOK OutcomeKind = iota
	// OutcomeNeedsRepair means the raw text did not decode or validate as-is.
	OutcomeNeedsRepair
	// OutcomeFailed means every repair stage was exhausted.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeNeedsRepair:
		return "needs_repair"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Repair stages reported on Outcome.Stage.
const (
	StageStrict = "strict"
	StageLocal  = "local_repair"
	StageRemote = "remote_repair"
)

// Outcome is Ok(value in target) | NeedsRepair(Raw) | Failed(Reason).
type Outcome struct {
	Kind   OutcomeKind
	Stage  string
	Raw    string
	Reason error
}

// Validator is implemented by decode targets that enforce their own schema bounds.
type Validator interface {
	Validate() error
}

// Repairer asks a remote service to fix broken JSON.
type Repairer interface {
	RepairJSON(ctx context.Context, broken string, schema json.RawMessage) (string, error)
}

// Parse decodes raw strictly into target (a non-nil pointer). target is only
// written when decoding and validation both succeed.
func Parse(raw string, target any) Outcome {
	if err := decodeInto(raw, target); err != nil {
		return Outcome{Kind: OutcomeNeedsRepair, Stage: StageStrict, Raw: raw, Reason: err}
	}
	return Outcome{Kind: OutcomeOK, Stage: StageStrict, Raw: raw}
}

// Decode runs the bounded repair pipeline: strict parse, local repair, one
// remote repair through repairer (skipped when nil), then Failed.
func Decode(ctx context.Context, raw string, target any, schema json.RawMessage, repairer Repairer) Outcome {
	out := Parse(raw, target)
	if out.Kind == OutcomeOK {
		return out
	}

	repaired := RepairLocally(raw)
	if err := decodeInto(repaired, target); err == nil {
		return Outcome{Kind: OutcomeOK, Stage: StageLocal, Raw: repaired}
	}

	if repairer != nil {
		fixed, err := repairer.RepairJSON(ctx, raw, schema)
		if err != nil {
			return Outcome{Kind: OutcomeFailed, Stage: StageRemote, Raw: raw, Reason: fmt.Errorf("%w: remote repair: %v", ErrMalformedResponse, err)}
		}
		fixed = RepairLocally(fixed)
		if err := decodeInto(fixed, target); err != nil {
			return Outcome{Kind: OutcomeFailed, Stage: StageRemote, Raw: fixed, Reason: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
		}
		return Outcome{Kind: OutcomeOK, Stage: StageRemote, Raw: fixed}
	}

	return Outcome{Kind: OutcomeFailed, Stage: StageLocal, Raw: raw, Reason: fmt.Errorf("%w: %v", ErrMalformedResponse, out.Reason)}
}

func decodeInto(raw string, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode target must be a non-nil pointer, got %T", target)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty response")
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal([]byte(raw), fresh.Interface()); err != nil {
		return err
	}
	if v, ok := fresh.Interface().(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validation: %w", err)
		}
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// RepairLocally applies cheap textual fixes: strips markdown code fences,
// normalizes smart quotes, cuts surrounding prose down to the outermost JSON
// value and removes trailing commas.
func RepairLocally(raw string) string {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(s[start:], "```"); end != -1 {
			s = s[start : start+end]
		}
	} else if idx := strings.Index(s, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			s = s[start : start+end]
		}
	}

	s = smartQuotes.Replace(s)
	s = outermostJSON(s)
	s = trailingComma.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func outermostJSON(s string) string {
	start := strings.IndexAny(s, "[{")
	if start == -1 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}

// RemoteRepairer repairs JSON by asking the same structured service to fix it.
type RemoteRepairer struct {
	LLM   StructuredLLM
	Model string
}

const repairSystemPrompt = "You fix malformed JSON. Output only the corrected JSON, no explanation."

// RepairJSON implements Repairer.
func (r RemoteRepairer) RepairJSON(ctx context.Context, broken string, schema json.RawMessage) (string, error) {
	if r.LLM == nil {
		return "", errors.New("no repair service configured")
	}
	var sb strings.Builder
	sb.WriteString("Fix this JSON so it is valid")
	if len(schema) > 0 {
		sb.WriteString(" and matches this schema:\n")
		sb.Write(schema)
	}
	sb.WriteString("\n\nJSON:\n")
	sb.WriteString(broken)

	return r.LLM.GenerateStructured(ctx, StructuredRequest{
		SystemPrompt: repairSystemPrompt,
		UserPrompt:   sb.String(),
		Schema:       schema,
		Model:        r.Model,
		Temperature:  0,
		MaxTokens:    1024,
	})
}

var _ Repairer = RemoteRepairer{}
