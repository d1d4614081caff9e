// Package clean implements the post-translation validation stage: it
// re-locates every translated answer inside its translated context,
// corrects the stored answer_start offset to the true match position,
// and drops QA items whose answer text cannot be found.
//
// The stage is pure in-memory string processing, no network and no file
// IO, and is deterministic: ties between multiple occurrences are always
// broken by taking the leftmost match.
package clean

import (
	"strings"

	"github.com/j-ranasinghe/SQuAD-Translation/squad"
)

// Drop reasons recorded in the error report.
const (
	ReasonNotFound    = "answer text not found in context"
	ReasonEmptyAnswer = "empty answer text"
	ReasonResidue     = "contains untranslated English characters"
)

// ---------------------------------------------------------------------------
// Options and results
// ---------------------------------------------------------------------------

// Options controls the cleaning behavior.
type Options struct {
	// KeepEmpty retains paragraphs and articles whose QA list became
	// empty after filtering. By default they are dropped.
	KeepEmpty bool
	// KeepEnglish disables the untranslated-residue filter that drops
	// QA items whose question or answer still contains Latin letters.
	KeepEnglish bool
}

// ReportEntry describes one dropped QA item or answer. The paragraph
// context is included so entries can be audited without the dataset.
type ReportEntry struct {
	ID          string `json:"id"`
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	AnswerStart int    `json:"answer_start"`
	Context     string `json:"context"`
	Reason      string `json:"reason"`
}

// Stats summarizes a cleaning run.
type Stats struct {
	// InputQAs and RetainedQAs count QA items before and after filtering.
	InputQAs    int
	RetainedQAs int
	// DroppedNotFound counts QA items removed because no answer could be
	// located in the context.
	DroppedNotFound int
	// DroppedResidue counts QA items removed by the English-residue filter.
	DroppedResidue int
	// DroppedParagraphs and DroppedArticles count containers removed
	// because all their children were filtered out.
	DroppedParagraphs int
	DroppedArticles   int
	// CorrectedOffsets counts retained answers whose stored offset was
	// wrong and got repaired.
	CorrectedOffsets int
}

// ---------------------------------------------------------------------------
// Cleaning
// ---------------------------------------------------------------------------

// Run filters ds and returns the cleaned dataset, the report of dropped
// items, and summary statistics. The input dataset is not modified.
//
// Every answer retained in the output satisfies
// context[start:start+len(text)] == text.
func Run(ds *squad.Dataset, opts Options) (*squad.Dataset, []ReportEntry, Stats) {
	var stats Stats
	report := []ReportEntry{}

	out := &squad.Dataset{Version: ds.Version}

	for _, article := range ds.Data {
		cleaned := squad.Article{Title: article.Title}

		for _, para := range article.Paragraphs {
			cp := squad.Paragraph{Context: para.Context}

			for _, qa := range para.QAs {
				stats.InputQAs++

				kept, entries := cleanQA(para.Context, qa, opts)
				report = append(report, entries...)

				if kept == nil {
					if hasReason(entries, ReasonResidue) {
						stats.DroppedResidue++
					} else {
						stats.DroppedNotFound++
					}
					continue
				}

				for i := range kept.Answers {
					orig := answerByText(qa, kept.Answers[i].Text)
					if orig != nil && orig.AnswerStart != kept.Answers[i].AnswerStart {
						stats.CorrectedOffsets++
					}
				}
				cp.QAs = append(cp.QAs, *kept)
				stats.RetainedQAs++
			}

			if len(cp.QAs) == 0 && !opts.KeepEmpty {
				stats.DroppedParagraphs++
				continue
			}
			cleaned.Paragraphs = append(cleaned.Paragraphs, cp)
		}

		if len(cleaned.Paragraphs) == 0 && !opts.KeepEmpty {
			stats.DroppedArticles++
			continue
		}
		out.Data = append(out.Data, cleaned)
	}

	if out.Data == nil {
		out.Data = []squad.Article{}
	}
	return out, report, stats
}

// cleanQA validates a single QA item against its context. It returns the
// repaired item, or nil if the item must be dropped, plus report entries
// for everything that was discarded.
func cleanQA(context string, qa squad.QAItem, opts Options) (*squad.QAItem, []ReportEntry) {
	var entries []ReportEntry

	// A question still carrying Latin letters means the translation call
	// failed silently or fell back to the source text.
	if !opts.KeepEnglish && containsLatin(qa.Question) {
		entries = append(entries, reportQA(context, qa, ReasonResidue))
		return nil, entries
	}

	kept := squad.QAItem{ID: qa.ID, Question: qa.Question}
	for _, ans := range qa.Answers {
		if ans.Text == "" {
			entries = append(entries, reportAnswer(context, qa, ans, ReasonEmptyAnswer))
			continue
		}
		if !opts.KeepEnglish && containsLatin(ans.Text) {
			entries = append(entries, reportAnswer(context, qa, ans, ReasonResidue))
			continue
		}
		start := strings.Index(context, ans.Text)
		if start < 0 {
			entries = append(entries, reportAnswer(context, qa, ans, ReasonNotFound))
			continue
		}
		kept.Answers = append(kept.Answers, squad.Answer{Text: ans.Text, AnswerStart: start})
	}

	if len(kept.Answers) == 0 {
		return nil, entries
	}
	return &kept, entries
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// containsLatin reports whether s contains any ASCII letter.
func containsLatin(s string) bool {
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			return true
		}
	}
	return false
}

func reportQA(context string, qa squad.QAItem, reason string) ReportEntry {
	e := ReportEntry{ID: qa.ID, Question: qa.Question, Context: context, Reason: reason}
	if len(qa.Answers) > 0 {
		e.Answer = qa.Answers[0].Text
		e.AnswerStart = qa.Answers[0].AnswerStart
	}
	return e
}

func reportAnswer(context string, qa squad.QAItem, ans squad.Answer, reason string) ReportEntry {
	return ReportEntry{
		ID:          qa.ID,
		Question:    qa.Question,
		Answer:      ans.Text,
		AnswerStart: ans.AnswerStart,
		Context:     context,
		Reason:      reason,
	}
}

func hasReason(entries []ReportEntry, reason string) bool {
	for _, e := range entries {
		if e.Reason == reason {
			return true
		}
	}
	return false
}

func answerByText(qa squad.QAItem, text string) *squad.Answer {
	for i := range qa.Answers {
		if qa.Answers[i].Text == text {
			return &qa.Answers[i]
		}
	}
	return nil
}

// WriteReport serializes the report entries to path as indented JSON,
// atomically (temp file + rename).
func WriteReport(path string, entries []ReportEntry) error {
	return squad.WriteJSONFile(path, entries)
}
