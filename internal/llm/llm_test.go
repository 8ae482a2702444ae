package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type scoredList []scored

func (l scoredList) Validate() error {
	if len(l) == 0 {
		return errors.New("empty list")
	}
	for _, s := range l {
		if s.Score < 0 || s.Score > 10 {
			return errors.New("score out of range")
		}
	}
	return nil
}

type fakeRepairer struct {
	out   string
	err   error
	calls int
}

func (f *fakeRepairer) RepairJSON(ctx context.Context, broken string, schema json.RawMessage) (string, error) {
	f.calls++
	return f.out, f.err
}

func TestParse_Strict(t *testing.T) {
	var got scoredList
	out := Parse(`[{"id":"a","score":7}]`, &got)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, scoredList{{ID: "a", Score: 7}}, got)
}

func TestParse_ValidationFailureLeavesTargetUntouched(t *testing.T) {
	got := scoredList{{ID: "keep", Score: 1}}
	out := Parse(`[{"id":"a","score":42}]`, &got)
	assert.Equal(t, OutcomeNeedsRepair, out.Kind)
	assert.Equal(t, scoredList{{ID: "keep", Score: 1}}, got)
}

func TestRepairLocally(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"code fence", "```json\n[{\"id\":\"a\",\"score\":1}]\n```", `[{"id":"a","score":1}]`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding prose", `Here you go: [{"id":"a","score":1}] hope it helps`, `[{"id":"a","score":1}]`},
		{"trailing commas", `[{"id":"a","score":1,},]`, `[{"id":"a","score":1}]`},
		{"smart quotes", `[{“id”:“a”,“score”:1}]`, `[{"id":"a","score":1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RepairLocally(tt.in))
		})
	}
}

func TestDecode_LocalRepair(t *testing.T) {
	var got scoredList
	rep := &fakeRepairer{}
	out := Decode(context.Background(), "Sure!\n```json\n[{\"id\":\"a\",\"score\":3},]\n```", &got, nil, rep)
	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, StageLocal, out.Stage)
	assert.Equal(t, 0, rep.calls)
	assert.Len(t, got, 1)
}

func TestDecode_RemoteRepair(t *testing.T) {
	var got scoredList
	rep := &fakeRepairer{out: `[{"id":"b","score":9}]`}
	out := Decode(context.Background(), `not json at all`, &got, nil, rep)
	require.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, StageRemote, out.Stage)
	assert.Equal(t, 1, rep.calls)
	assert.Equal(t, "b", got[0].ID)
}

func TestDecode_Failed(t *testing.T) {
	var got scoredList
	rep := &fakeRepairer{out: `still broken`}
	out := Decode(context.Background(), `{{{`, &got, nil, rep)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrMalformedResponse)
	assert.Nil(t, got)

	out = Decode(context.Background(), `{{{`, &got, nil, &fakeRepairer{err: errors.New("down")})
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, ErrMalformedResponse)

	out = Decode(context.Background(), ``, &got, nil, nil)
	assert.Equal(t, OutcomeFailed, out.Kind)
}

func TestDecode_EmptyListFailsValidation(t *testing.T) {
	var got scoredList
	out := Decode(context.Background(), `[]`, &got, nil, nil)
	assert.Equal(t, OutcomeFailed, out.Kind)
}

func TestOllamaClient_GenerateStructured(t *testing.T) {
	var captured ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `[{"id":"a","score":5}]`, Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(WithBaseURL(srv.URL+"/"), WithModel("test-model"))
	schema := json.RawMessage(`{"type":"array"}`)
	out, err := client.GenerateStructured(context.Background(), StructuredRequest{
		SystemPrompt: "sys",
		UserPrompt:   "user",
		Schema:       schema,
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a","score":5}]`, out)
	assert.Equal(t, "test-model", captured.Model)
	assert.Equal(t, "sys", captured.System)
	assert.Equal(t, "user", captured.Prompt)
	assert.False(t, captured.Stream)
	assert.JSONEq(t, string(schema), string(captured.Format))
	assert.Contains(t, captured.Options, "temperature")
}

func TestOllamaClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(WithBaseURL(srv.URL)).Generate(context.Background(), "hi", GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

type echoLLM struct{ req StructuredRequest }

func (e *echoLLM) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	e.req = req
	return `{"ok":true}`, nil
}

func TestRemoteRepairer(t *testing.T) {
	e := &echoLLM{}
	out, err := RemoteRepairer{LLM: e}.RepairJSON(context.Background(), `{"ok":tru`, json.RawMessage(`{"type":"object"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Contains(t, e.req.UserPrompt, "Fix this JSON")
	assert.Contains(t, e.req.UserPrompt, `{"ok":tru`)

	_, err = RemoteRepairer{}.RepairJSON(context.Background(), "x", nil)
	assert.Error(t, err)
}
