package translate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/j-ranasinghe/SQuAD-Translation/checkpoint"
	"github.com/j-ranasinghe/SQuAD-Translation/squad"
)

// mockClient translates via a lookup table and records call counts.
type mockClient struct {
	mu      sync.Mutex
	table   map[string]string
	calls   int
	failOn  string // any batch containing this text fails
	failAll bool
}

func (m *mockClient) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.failAll {
		return nil, &Error{Err: errors.New("quota exhausted")}
	}

	out := make([]string, len(texts))
	for i, t := range texts {
		if m.failOn != "" && t == m.failOn {
			return nil, &Error{Err: fmt.Errorf("cannot translate %q", t)}
		}
		if t == "" {
			continue
		}
		if tr, ok := m.table[t]; ok {
			out[i] = tr
		} else {
			out[i] = "[si] " + t
		}
	}
	return out, nil
}

func sourceDataset() *squad.Dataset {
	return &squad.Dataset{
		Version: "1.1",
		Data: []squad.Article{{
			Title: "Cats",
			Paragraphs: []squad.Paragraph{{
				Context: "The cat sat on the mat.",
				QAs: []squad.QAItem{{
					ID:       "q1",
					Question: "Who sat on the mat?",
					Answers:  []squad.Answer{{Text: "cat", AnswerStart: 4}},
				}},
			}},
		}},
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_TranslatesAllFields(t *testing.T) {
	client := &mockClient{table: map[string]string{
		"The cat sat on the mat.": "බළලා පැදුර මත සිටියේය.",
		"Who sat on the mat?":     "පැදුර මත සිටියේ කවුද?",
		"cat":                     "බළලා",
	}}

	out, res, err := Run(context.Background(), sourceDataset(), Options{
		Client: client, SourceLang: "en", TargetLang: "si",
	})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	para := out.Data[0].Paragraphs[0]
	if para.Context != "බළලා පැදුර මත සිටියේය." {
		t.Errorf("context = %q", para.Context)
	}
	qa := para.QAs[0]
	if qa.ID != "q1" {
		t.Errorf("id changed: %q", qa.ID)
	}
	if qa.Question != "පැදුර මත සිටියේ කවුද?" {
		t.Errorf("question = %q", qa.Question)
	}
	if qa.Answers[0].Text != "බළලා" || qa.Answers[0].AnswerStart != 0 {
		t.Errorf("answer = %+v", qa.Answers[0])
	}
	if res.Contexts != 1 || res.QAPairs != 1 || res.SkippedQAs != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_SentinelWhenAnswerNotInContext(t *testing.T) {
	client := &mockClient{table: map[string]string{
		"The cat sat on the mat.": "බළලා පැදුර මත සිටියේය.",
		"cat":                     "පූසා", // inconsistent with the context translation
	}}

	out, _, err := Run(context.Background(), sourceDataset(), Options{Client: client})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	got := out.Data[0].Paragraphs[0].QAs[0].Answers[0].AnswerStart
	if got != squad.UnresolvedStart {
		t.Errorf("AnswerStart = %d, want sentinel %d", got, squad.UnresolvedStart)
	}
}

func TestRun_EmptyDataset(t *testing.T) {
	client := &mockClient{}
	out, res, err := Run(context.Background(), &squad.Dataset{Version: "1.1"}, Options{Client: client})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(out.Data) != 0 || res.Contexts != 0 {
		t.Errorf("out=%+v res=%+v", out, res)
	}
	if client.calls != 0 {
		t.Errorf("no API calls expected for empty dataset, got %d", client.calls)
	}
	// The data field must stay a JSON array, not null.
	raw, err := out.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(raw), `"data": []`) {
		t.Errorf("empty dataset serialized as %s", raw)
	}
}

func TestRun_NoClient(t *testing.T) {
	if _, _, err := Run(context.Background(), sourceDataset(), Options{}); err == nil {
		t.Fatal("expected error without client")
	}
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestRun_SkipsFailedQABatchAndContinues(t *testing.T) {
	ds := &squad.Dataset{Data: []squad.Article{{
		Title: "t",
		Paragraphs: []squad.Paragraph{
			{Context: "first passage", QAs: []squad.QAItem{
				{ID: "a", Question: "poison", Answers: []squad.Answer{{Text: "x", AnswerStart: 0}}},
			}},
			{Context: "second passage", QAs: []squad.QAItem{
				{ID: "b", Question: "fine", Answers: []squad.Answer{{Text: "y", AnswerStart: 0}}},
			}},
		},
	}}}

	var errLogs []string
	client := &mockClient{failOn: "poison"}
	out, res, err := Run(context.Background(), ds, Options{
		Client:    client,
		BatchSize: 1,
		OnError:   func(format string, args ...any) { errLogs = append(errLogs, fmt.Sprintf(format, args...)) },
	})
	if err != nil {
		t.Fatalf("Run() must continue past per-item failures, got: %v", err)
	}

	if res.SkippedQAs != 1 || res.FailedParagraphs != 1 || res.QAPairs != 1 {
		t.Errorf("result = %+v", res)
	}
	// Both paragraph slots survive so positions stay stable for resume.
	if len(out.Data[0].Paragraphs) != 2 {
		t.Fatalf("paragraphs = %d, want 2", len(out.Data[0].Paragraphs))
	}
	if len(out.Data[0].Paragraphs[0].QAs) != 0 {
		t.Errorf("failed paragraph should carry no QAs: %+v", out.Data[0].Paragraphs[0])
	}
	if out.Data[0].Paragraphs[1].QAs[0].ID != "b" {
		t.Errorf("second paragraph lost: %+v", out.Data[0].Paragraphs[1])
	}
	if len(errLogs) == 0 {
		t.Error("expected an error log for the failed batch")
	}
}

func TestRun_ContextBatchFailureSkipsWholeBatch(t *testing.T) {
	client := &mockClient{failAll: true}
	out, res, err := Run(context.Background(), sourceDataset(), Options{Client: client})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.SkippedQAs != 1 || res.QAPairs != 0 {
		t.Errorf("result = %+v", res)
	}
	// The source context is kept so the slot remains addressable.
	if out.Data[0].Paragraphs[0].Context != "The cat sat on the mat." {
		t.Errorf("context = %q", out.Data[0].Paragraphs[0].Context)
	}
}

// ---------------------------------------------------------------------------
// MaxContexts and batching
// ---------------------------------------------------------------------------

func TestRun_MaxContextsCapsParagraphs(t *testing.T) {
	ds := &squad.Dataset{Data: []squad.Article{{
		Title: "t",
		Paragraphs: []squad.Paragraph{
			{Context: "one", QAs: []squad.QAItem{{ID: "1", Question: "q", Answers: []squad.Answer{{Text: "one"}}}}},
			{Context: "two", QAs: []squad.QAItem{{ID: "2", Question: "q", Answers: []squad.Answer{{Text: "two"}}}}},
			{Context: "three", QAs: []squad.QAItem{{ID: "3", Question: "q", Answers: []squad.Answer{{Text: "three"}}}}},
		},
	}}}

	out, res, err := Run(context.Background(), ds, Options{Client: &mockClient{}, MaxContexts: 2})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Contexts != 2 {
		t.Errorf("Contexts = %d, want 2", res.Contexts)
	}
	if got := len(out.Data[0].Paragraphs); got != 2 {
		t.Errorf("paragraphs = %d, want 2", got)
	}
}

func TestRun_BatchSizeGroupsContextCalls(t *testing.T) {
	paras := make([]squad.Paragraph, 4)
	for i := range paras {
		paras[i] = squad.Paragraph{Context: fmt.Sprintf("passage %d", i)}
	}
	ds := &squad.Dataset{Data: []squad.Article{{Title: "t", Paragraphs: paras}}}

	client := &mockClient{}
	_, _, err := Run(context.Background(), ds, Options{Client: client, BatchSize: 2})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	// 2 batches × 1 context call; paragraphs have no QAs so no QA calls.
	if client.calls != 2 {
		t.Errorf("API calls = %d, want 2", client.calls)
	}
}

func TestRun_ParallelProducesSameDataset(t *testing.T) {
	paras := make([]squad.Paragraph, 6)
	for i := range paras {
		paras[i] = squad.Paragraph{
			Context: fmt.Sprintf("passage number %d", i),
			QAs: []squad.QAItem{{
				ID:       fmt.Sprintf("q%d", i),
				Question: fmt.Sprintf("question %d?", i),
				Answers:  []squad.Answer{{Text: fmt.Sprintf("number %d", i), AnswerStart: 8}},
			}},
		}
	}
	ds := &squad.Dataset{Data: []squad.Article{{Title: "t", Paragraphs: paras}}}

	seq, _, err := Run(context.Background(), ds, Options{Client: &mockClient{}, BatchSize: 2})
	if err != nil {
		t.Fatalf("sequential Run() error: %v", err)
	}
	par, _, err := Run(context.Background(), ds, Options{Client: &mockClient{}, BatchSize: 2, MaxConcurrent: 3})
	if err != nil {
		t.Fatalf("parallel Run() error: %v", err)
	}

	a, _ := seq.Marshal()
	b, _ := par.Marshal()
	if string(a) != string(b) {
		t.Error("parallel run produced a different dataset than sequential run")
	}
}

// ---------------------------------------------------------------------------
// Resume
// ---------------------------------------------------------------------------

func TestRun_ResumeSkipsCompletedParagraphs(t *testing.T) {
	ds := sourceDataset()
	lockPath := filepath.Join(t.TempDir(), checkpoint.FileName)

	cp, err := checkpoint.Load(lockPath)
	if err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}

	// First run translates everything and marks the checkpoint.
	first := &mockClient{}
	out1, res1, err := Run(context.Background(), ds, Options{Client: first, Checkpoint: cp})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if res1.Resumed != 0 || cp.Count() != 1 {
		t.Fatalf("first run: res=%+v checkpointed=%d", res1, cp.Count())
	}

	// Second run resumes from the first run's output: no API calls.
	cp2, err := checkpoint.Load(lockPath)
	if err != nil {
		t.Fatalf("checkpoint.Load: %v", err)
	}
	second := &mockClient{failAll: true} // would fail if called
	out2, res2, err := Run(context.Background(), ds, Options{Client: second, Checkpoint: cp2, Previous: out1})
	if err != nil {
		t.Fatalf("resumed Run() error: %v", err)
	}
	if res2.Resumed != 1 || second.calls != 0 {
		t.Errorf("resume: res=%+v calls=%d", res2, second.calls)
	}
	if out2.Data[0].Paragraphs[0].Context != out1.Data[0].Paragraphs[0].Context {
		t.Errorf("resumed paragraph differs from previous output")
	}
}

func TestRun_ResumeRetranslatesChangedSource(t *testing.T) {
	ds := sourceDataset()
	lockPath := filepath.Join(t.TempDir(), checkpoint.FileName)
	cp, _ := checkpoint.Load(lockPath)

	out1, _, err := Run(context.Background(), ds, Options{Client: &mockClient{}, Checkpoint: cp})
	if err != nil {
		t.Fatalf("first Run() error: %v", err)
	}

	// Source context changed: checkpoint checksum no longer matches.
	changed := ds.Clone()
	changed.Data[0].Paragraphs[0].Context = "The dog sat on the mat."

	client := &mockClient{}
	_, res, err := Run(context.Background(), changed, Options{Client: client, Checkpoint: cp, Previous: out1})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Resumed != 0 || client.calls == 0 {
		t.Errorf("changed source must be re-translated: res=%+v calls=%d", res, client.calls)
	}
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func TestRun_CancelledContextReturnsPartialDataset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, _, err := Run(ctx, sourceDataset(), Options{Client: &mockClient{}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if out == nil || len(out.Data) != 1 {
		t.Fatalf("partial dataset must still be returned, got %+v", out)
	}
	// Untranslated slot keeps the source context for position stability.
	if out.Data[0].Paragraphs[0].Context != "The cat sat on the mat." {
		t.Errorf("context = %q", out.Data[0].Paragraphs[0].Context)
	}
}

// ---------------------------------------------------------------------------
// Error type
// ---------------------------------------------------------------------------

func TestIsTranslationError(t *testing.T) {
	wrapped := fmt.Errorf("batch 3: %w", &Error{Err: errors.New("boom")})
	if !IsTranslationError(wrapped) {
		t.Error("wrapped *Error not recognized")
	}
	if IsTranslationError(errors.New("plain")) {
		t.Error("plain error misclassified")
	}
	if IsTranslationError(context.Canceled) {
		t.Error("cancellation misclassified")
	}
}

// ---------------------------------------------------------------------------
// locate
// ---------------------------------------------------------------------------

func TestLocate(t *testing.T) {
	tests := []struct {
		name    string
		context string
		answer  string
		want    int
	}{
		{"found", "alpha beta", "beta", 6},
		{"leftmost of two", "x y x", "x", 0},
		{"missing", "alpha beta", "gamma", squad.UnresolvedStart},
		{"empty answer", "alpha", "", squad.UnresolvedStart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := locate(tc.context, tc.answer); got != tc.want {
				t.Errorf("locate(%q, %q) = %d, want %d", tc.context, tc.answer, got, tc.want)
			}
		})
	}
}
