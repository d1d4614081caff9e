package squad

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleJSON = `{
  "version": "1.1",
  "data": [
    {
      "title": "Cats",
      "paragraphs": [
        {
          "context": "The cat sat on the mat.",
          "qas": [
            {
              "id": "q1",
              "question": "Who sat on the mat?",
              "answers": [{"text": "cat", "answer_start": 4}]
            }
          ]
        }
      ]
    }
  ]
}`

// ---------------------------------------------------------------------------
// Parse
// ---------------------------------------------------------------------------

func TestParse_ValidDocument(t *testing.T) {
	ds, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if ds.Version != "1.1" {
		t.Errorf("Version = %q, want 1.1", ds.Version)
	}
	if len(ds.Data) != 1 || ds.Data[0].Title != "Cats" {
		t.Fatalf("unexpected data: %#v", ds.Data)
	}
	qa := ds.Data[0].Paragraphs[0].QAs[0]
	if qa.ID != "q1" || qa.Answers[0].AnswerStart != 4 {
		t.Errorf("unexpected QA: %#v", qa)
	}
}

func TestParse_EmptyDataset(t *testing.T) {
	ds, err := Parse([]byte(`{"version": "1.1", "data": []}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(ds.Data) != 0 {
		t.Errorf("expected empty data, got %d articles", len(ds.Data))
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not JSON", `{{{`},
		{"wrong data type", `{"data": "nope"}`},
		{"qa without id", `{"data":[{"title":"t","paragraphs":[{"context":"c","qas":[{"question":"q","answers":[{"text":"c","answer_start":0}]}]}]}]}`},
		{"qa without answers", `{"data":[{"title":"t","paragraphs":[{"context":"c","qas":[{"id":"q1","question":"q","answers":[]}]}]}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.in))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrSchema) {
				t.Errorf("error %v is not ErrSchema", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// File round trip
// ---------------------------------------------------------------------------

func TestWriteFileAndParseFile(t *testing.T) {
	ds, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out", "dataset.json")
	if err := ds.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	got, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error: %v", err)
	}
	if got.Data[0].Paragraphs[0].Context != "The cat sat on the mat." {
		t.Errorf("context lost in round trip: %q", got.Data[0].Paragraphs[0].Context)
	}

	// No temp file debris left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestParseFile_Missing(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// ---------------------------------------------------------------------------
// Answer.Resolved
// ---------------------------------------------------------------------------

func TestAnswerResolved(t *testing.T) {
	context := "The cat sat on the mat."
	tests := []struct {
		name string
		ans  Answer
		want bool
	}{
		{"exact match", Answer{Text: "cat", AnswerStart: 4}, true},
		{"wrong offset", Answer{Text: "cat", AnswerStart: 5}, false},
		{"sentinel", Answer{Text: "cat", AnswerStart: UnresolvedStart}, false},
		{"past end", Answer{Text: "mat.", AnswerStart: 21}, false},
		{"at end", Answer{Text: "mat.", AnswerStart: 19}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ans.Resolved(context); got != tc.want {
				t.Errorf("Resolved() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDatasetValidate(t *testing.T) {
	valid := func() *Dataset {
		return &Dataset{Data: []Article{{
			Title: "t",
			Paragraphs: []Paragraph{{
				Context: "alpha beta gamma",
				QAs: []QAItem{
					{ID: "a", Answers: []Answer{{Text: "beta", AnswerStart: 6}}},
					{ID: "b", Answers: []Answer{{Text: "gamma", AnswerStart: 11}}},
				},
			}},
		}}}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Validate() on resolved dataset: %v", err)
	}

	t.Run("mismatched offset", func(t *testing.T) {
		ds := valid()
		ds.Data[0].Paragraphs[0].QAs[1].Answers[0].AnswerStart = 0
		err := ds.Validate()
		if err == nil || !strings.Contains(err.Error(), "qa b") {
			t.Errorf("Validate() = %v, want error naming qa b", err)
		}
	})

	t.Run("sentinel offset", func(t *testing.T) {
		ds := valid()
		ds.Data[0].Paragraphs[0].QAs[0].Answers[0].AnswerStart = UnresolvedStart
		if err := ds.Validate(); err == nil {
			t.Error("Validate() = nil, want error for sentinel offset")
		}
	})

	t.Run("empty dataset", func(t *testing.T) {
		ds := &Dataset{Version: "1.1", Data: []Article{}}
		if err := ds.Validate(); err != nil {
			t.Errorf("Validate() on empty dataset: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Stats and Clone
// ---------------------------------------------------------------------------

func TestCollectStats(t *testing.T) {
	ds := &Dataset{Data: []Article{{
		Title: "t",
		Paragraphs: []Paragraph{{
			Context: "alpha beta gamma",
			QAs: []QAItem{
				{ID: "a", Answers: []Answer{{Text: "beta", AnswerStart: 6}}},
				{ID: "b", Answers: []Answer{{Text: "beta", AnswerStart: UnresolvedStart}}},
				{ID: "c", Answers: []Answer{{Text: "beta", AnswerStart: 0}}},
			},
		}},
	}}}

	s := ds.CollectStats()
	if s.Articles != 1 || s.Paragraphs != 1 || s.QAs != 3 || s.Answers != 3 {
		t.Fatalf("counts: %+v", s)
	}
	if s.Resolved != 1 || s.Unresolved != 1 || s.Mismatched != 1 {
		t.Errorf("span validity: %+v", s)
	}
}

func TestClone_Independent(t *testing.T) {
	ds, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	cp := ds.Clone()
	cp.Data[0].Paragraphs[0].Context = "changed"
	cp.Data[0].Paragraphs[0].QAs[0].Answers[0].AnswerStart = 99

	if ds.Data[0].Paragraphs[0].Context != "The cat sat on the mat." {
		t.Error("Clone shares paragraph memory with original")
	}
	if ds.Data[0].Paragraphs[0].QAs[0].Answers[0].AnswerStart != 4 {
		t.Error("Clone shares answer memory with original")
	}
}
