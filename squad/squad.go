// Package squad implements reading, validating, and writing SQuAD v1.x
// datasets (the nested JSON shape with articles, paragraphs, and
// question-answer pairs carrying answer-span offsets).
//
// Datasets are loaded wholesale into typed structs and validated at the
// decode boundary: a structurally broken file fails loading with a
// descriptive error instead of surfacing as missing-field panics deep in
// the pipeline. Writing is all-or-nothing: the document is marshaled
// fully and renamed into place, so a crashed run never leaves a
// half-serialized JSON file behind.
package squad

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// UnresolvedStart is the sentinel answer_start value meaning "the answer
// text could not be located in the context". Matches the -1 convention
// of substring search.
const UnresolvedStart = -1

// ErrSchema is wrapped by all schema-validation failures, so callers can
// distinguish a malformed dataset from plain file IO errors.
var ErrSchema = errors.New("invalid SQuAD schema")

// ---------------------------------------------------------------------------
// Dataset model
// ---------------------------------------------------------------------------

// Dataset is a complete SQuAD document.
type Dataset struct {
	Version string    `json:"version"`
	Data    []Article `json:"data"`
}

// Article is a titled group of paragraphs.
type Article struct {
	Title      string      `json:"title"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Paragraph is a context passage with its question-answer pairs.
type Paragraph struct {
	Context string   `json:"context"`
	QAs     []QAItem `json:"qas"`
}

// QAItem is a single question with its gold answers.
type QAItem struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Answers  []Answer `json:"answers"`
}

// Answer is an answer span: the answer text and its byte offset into the
// owning paragraph's context.
type Answer struct {
	Text        string `json:"text"`
	AnswerStart int    `json:"answer_start"`
}

// Resolved reports whether the answer's offset actually points at the
// answer text inside context.
func (a *Answer) Resolved(context string) bool {
	end := a.AnswerStart + len(a.Text)
	return a.AnswerStart >= 0 && end <= len(context) && context[a.AnswerStart:end] == a.Text
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Parse decodes a SQuAD document from raw JSON and validates its shape.
func Parse(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if err := ds.checkSchema(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// ParseFile loads and validates a SQuAD document from disk.
func ParseFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	ds, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// checkSchema walks the decoded document and rejects records that the
// pipeline cannot process. An empty data array is valid.
func (ds *Dataset) checkSchema() error {
	for ai, article := range ds.Data {
		for pi, para := range article.Paragraphs {
			for qi, qa := range para.QAs {
				where := fmt.Sprintf("data[%d].paragraphs[%d].qas[%d]", ai, pi, qi)
				if qa.ID == "" {
					return fmt.Errorf("%w: %s: missing id", ErrSchema, where)
				}
				if len(qa.Answers) == 0 {
					return fmt.Errorf("%w: %s (%s): no answers", ErrSchema, where, qa.ID)
				}
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteFile serializes the dataset to path. The document is marshaled in
// full, written to a temporary file in the destination directory, and
// renamed over the target, so the output file is either completely
// written or untouched.
func (ds *Dataset) WriteFile(path string) error {
	data, err := ds.Marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Marshal produces the indented JSON representation of the dataset.
func (ds *Dataset) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling dataset: %w", err)
	}
	return append(data, '\n'), nil
}

// writeFileAtomic writes data to path via a temp file + rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// WriteJSONFile marshals v with indentation and writes it atomically.
// Used for auxiliary outputs (error reports) next to the dataset files.
func WriteJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats summarizes a dataset for status output.
type Stats struct {
	Articles   int
	Paragraphs int
	QAs        int
	Answers    int
	// Resolved counts answers whose offset points at the answer text.
	Resolved int
	// Unresolved counts answers with the UnresolvedStart sentinel.
	Unresolved int
	// Mismatched counts answers with a non-sentinel offset that does not
	// point at the answer text.
	Mismatched int
}

// CollectStats walks the dataset and counts entities and span validity.
func (ds *Dataset) CollectStats() Stats {
	var s Stats
	s.Articles = len(ds.Data)
	for _, article := range ds.Data {
		s.Paragraphs += len(article.Paragraphs)
		for _, para := range article.Paragraphs {
			s.QAs += len(para.QAs)
			for _, qa := range para.QAs {
				s.Answers += len(qa.Answers)
				for _, ans := range qa.Answers {
					switch {
					case ans.AnswerStart == UnresolvedStart:
						s.Unresolved++
					case ans.Resolved(para.Context):
						s.Resolved++
					default:
						s.Mismatched++
					}
				}
			}
		}
	}
	return s
}

// Validate checks every answer span against its paragraph's context and
// returns an error naming the first answer whose offset does not point at
// the answer text. Answers carrying the UnresolvedStart sentinel count as
// failures too, so a nil return means the dataset is fully resolved.
func (ds *Dataset) Validate() error {
	for _, article := range ds.Data {
		for _, para := range article.Paragraphs {
			for _, qa := range para.QAs {
				for i, ans := range qa.Answers {
					if !ans.Resolved(para.Context) {
						return fmt.Errorf("qa %s: answer %d: offset %d does not locate %q in context",
							qa.ID, i, ans.AnswerStart, ans.Text)
					}
				}
			}
		}
	}
	return nil
}

// QACount returns the total number of QA items.
func (ds *Dataset) QACount() int {
	n := 0
	for _, article := range ds.Data {
		for _, para := range article.Paragraphs {
			n += len(para.QAs)
		}
	}
	return n
}

// Clone returns a deep copy of the dataset.
func (ds *Dataset) Clone() *Dataset {
	out := &Dataset{Version: ds.Version, Data: make([]Article, len(ds.Data))}
	for i, article := range ds.Data {
		a := Article{Title: article.Title, Paragraphs: make([]Paragraph, len(article.Paragraphs))}
		for j, para := range article.Paragraphs {
			p := Paragraph{Context: para.Context, QAs: make([]QAItem, len(para.QAs))}
			for k, qa := range para.QAs {
				q := QAItem{ID: qa.ID, Question: qa.Question, Answers: make([]Answer, len(qa.Answers))}
				copy(q.Answers, qa.Answers)
				p.QAs[k] = q
			}
			a.Paragraphs[j] = p
		}
		out.Data[i] = a
	}
	return out
}
