// Package translate implements the first pipeline stage: field-by-field
// machine translation of a SQuAD dataset through an external translation
// service, preserving the document structure (titles, ids, ordering)
// while replacing contexts, questions, and answer texts with their
// translations.
//
// The service is an injected Client, constructed once per run. Paragraph
// batches are independent: each batch translates its contexts in one API
// call, then each paragraph's questions and answers in one call, and
// writes results only into its own output slots, so batches can run
// concurrently without shared mutable state.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/j-ranasinghe/SQuAD-Translation/checkpoint"
	"github.com/j-ranasinghe/SQuAD-Translation/squad"
)

// ---------------------------------------------------------------------------
// Client contract
// ---------------------------------------------------------------------------

// Client is the external translation capability. Implementations must
// return exactly one translation per input text, in input order, and
// pass empty strings through unchanged.
type Client interface {
	Translate(ctx context.Context, texts []string, source, target string) ([]string, error)
}

// Error marks a translation service failure (network, auth, quota).
// Failures of this kind are recovered at paragraph granularity: the
// affected QA items are skipped and the batch run continues.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "translation: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsTranslationError reports whether err is a service failure (as
// opposed to cancellation or a programming error).
func IsTranslationError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// ---------------------------------------------------------------------------
// Options and results
// ---------------------------------------------------------------------------

// Options controls a translation run.
type Options struct {
	// Client is the translation service (required).
	Client Client
	// SourceLang and TargetLang are BCP 47 language codes.
	SourceLang string
	TargetLang string
	// MaxContexts caps the number of paragraphs translated (0 = all).
	MaxContexts int
	// BatchSize is how many paragraphs share one context-translation
	// call (default 5).
	BatchSize int
	// MaxConcurrent is the number of parallel batch workers (default 1,
	// i.e. sequential).
	MaxConcurrent int
	// RequestDelay is the pause between launching batch tasks.
	RequestDelay time.Duration
	// Checkpoint, when set, records completed paragraphs so an
	// interrupted run can be resumed.
	Checkpoint *checkpoint.File
	// Previous is the partial output of an interrupted run; paragraphs
	// the checkpoint marks as done are copied from it instead of being
	// re-translated.
	Previous *squad.Dataset
	// OnProgress is called after each batch of paragraphs completes.
	OnProgress func(done, total int)
	// OnLog emits log messages during translation.
	OnLog func(format string, args ...any)
	// OnError emits error messages during translation.
	OnError func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) logError(format string, args ...any) {
	if o.OnError != nil {
		o.OnError(format, args...)
	} else if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) effectiveBatchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return 5
}

func (o *Options) effectiveMaxConcurrent() int {
	if o.MaxConcurrent > 0 {
		return o.MaxConcurrent
	}
	return 1
}

// Result summarizes a translation run.
type Result struct {
	// Contexts is the number of paragraphs processed (translated,
	// resumed, or failed).
	Contexts int
	// QAPairs is the number of QA items successfully translated.
	QAPairs int
	// Resumed is the number of paragraphs copied from a previous
	// partial output.
	Resumed int
	// SkippedQAs counts QA items dropped because a translation call for
	// their paragraph failed.
	SkippedQAs int
	// FailedParagraphs counts paragraphs whose fields could not be
	// translated; they appear in the output with the source context and
	// an empty QA list, and are retried on resume.
	FailedParagraphs int
}

// ---------------------------------------------------------------------------
// Task planning
// ---------------------------------------------------------------------------

// paraTask is one paragraph slot in the output skeleton.
type paraTask struct {
	article int // output article index
	slot    int // output paragraph index
	key     string
	source  squad.Paragraph
}

// batchTask groups consecutive paragraphs of one article that share a
// context-translation call.
type batchTask struct {
	paras []paraTask
}

// plan builds the output skeleton and the batch task list, honoring
// MaxContexts. The plan is deterministic for a given input, which keeps
// output slot positions stable across resumed runs.
func plan(ds *squad.Dataset, opts *Options) ([]squad.Article, [][]*squad.Paragraph, []batchTask) {
	var articles []squad.Article
	var slots [][]*squad.Paragraph
	var batches []batchTask

	taken := 0
	batchSize := opts.effectiveBatchSize()

	for _, article := range ds.Data {
		if opts.MaxContexts > 0 && taken >= opts.MaxContexts {
			break
		}

		var tasks []paraTask
		for pi, para := range article.Paragraphs {
			if opts.MaxContexts > 0 && taken >= opts.MaxContexts {
				break
			}
			tasks = append(tasks, paraTask{
				article: len(articles),
				slot:    pi,
				key:     checkpoint.Key(len(articles), pi),
				source:  para,
			})
			taken++
		}
		if len(tasks) == 0 {
			continue
		}

		articles = append(articles, squad.Article{Title: article.Title})
		slots = append(slots, make([]*squad.Paragraph, len(tasks)))

		// Batches never span articles, matching the per-article grouping
		// of the source dataset.
		for start := 0; start < len(tasks); start += batchSize {
			end := min(start+batchSize, len(tasks))
			batches = append(batches, batchTask{paras: tasks[start:end]})
		}
	}

	return articles, slots, batches
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run translates ds according to opts and returns the translated dataset
// with run statistics. Structural fields (version, titles, ids) are
// preserved; answer offsets are recomputed by locating the translated
// answer in the translated context, with squad.UnresolvedStart as the
// sentinel for "not found".
//
// Isolated service failures skip the affected paragraph's QA items and
// the run continues; the only errors Run itself returns are
// cancellation and a missing Client. On cancellation the partially
// translated dataset is still returned so callers can save progress.
func Run(ctx context.Context, ds *squad.Dataset, opts Options) (*squad.Dataset, *Result, error) {
	if opts.Client == nil {
		return nil, nil, fmt.Errorf("translate: no client configured")
	}

	articles, slots, batches := plan(ds, &opts)
	total := 0
	for _, b := range batches {
		total += len(b.paras)
	}

	var (
		res  Result
		mu   sync.Mutex // guards res
		done atomic.Int64
	)

	runErr := runParallel(ctx, batches, opts.effectiveMaxConcurrent(), opts.RequestDelay, func(ctx context.Context, b batchTask) error {
		br, err := translateBatch(ctx, b, slots, &opts)
		if err != nil {
			return err // cancellation only
		}
		mu.Lock()
		res.QAPairs += br.QAPairs
		res.Resumed += br.Resumed
		res.SkippedQAs += br.SkippedQAs
		res.FailedParagraphs += br.FailedParagraphs
		mu.Unlock()

		d := int(done.Add(int64(len(b.paras))))
		if opts.OnProgress != nil {
			opts.OnProgress(d, total)
		}

		if opts.Checkpoint != nil {
			if err := opts.Checkpoint.Save(); err != nil {
				opts.logError("Saving checkpoint: %v", err)
			}
		}
		return nil
	})

	// Fill slots of batches that never ran (cancellation) so the output
	// keeps its positions; these paragraphs are retried on resume.
	for _, b := range batches {
		for _, pt := range b.paras {
			if slots[pt.article][pt.slot] == nil {
				slots[pt.article][pt.slot] = &squad.Paragraph{Context: pt.source.Context}
			}
		}
	}

	// Keep data a JSON array even when nothing was planned.
	if articles == nil {
		articles = []squad.Article{}
	}
	out := &squad.Dataset{Version: ds.Version, Data: articles}
	for ai := range out.Data {
		out.Data[ai].Paragraphs = make([]squad.Paragraph, len(slots[ai]))
		for pi, p := range slots[ai] {
			out.Data[ai].Paragraphs[pi] = *p
		}
	}
	res.Contexts = total

	if ctx.Err() != nil {
		return out, &res, ctx.Err()
	}
	return out, &res, runErr
}

// batchResult carries per-batch counters back to Run.
type batchResult struct {
	QAPairs          int
	Resumed          int
	SkippedQAs       int
	FailedParagraphs int
}

// translateBatch processes one batch: resume lookups, one context call,
// then one questions-and-answers call per paragraph. Service failures
// are absorbed into the result; only cancellation propagates as error.
func translateBatch(ctx context.Context, b batchTask, slots [][]*squad.Paragraph, opts *Options) (*batchResult, error) {
	br := &batchResult{}

	// Resume: copy paragraphs the checkpoint marks as done.
	pending := make([]paraTask, 0, len(b.paras))
	for _, pt := range b.paras {
		if prev := resumedParagraph(pt, opts); prev != nil {
			opts.log("Paragraph %s already translated, reusing previous output", pt.key)
			slots[pt.article][pt.slot] = prev
			br.Resumed++
			br.QAPairs += len(prev.QAs)
			continue
		}
		pending = append(pending, pt)
	}
	if len(pending) == 0 {
		return br, nil
	}

	// One call for all contexts in the batch.
	contexts := make([]string, len(pending))
	for i, pt := range pending {
		contexts[i] = pt.source.Context
	}
	translated, err := opts.Client.Translate(ctx, contexts, opts.SourceLang, opts.TargetLang)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		opts.logError("Context batch failed (%d paragraphs): %v", len(pending), err)
		for _, pt := range pending {
			slots[pt.article][pt.slot] = &squad.Paragraph{Context: pt.source.Context}
			br.SkippedQAs += len(pt.source.QAs)
		}
		br.FailedParagraphs += len(pending)
		return br, nil
	}

	for i, pt := range pending {
		para, n, err := translateParagraph(ctx, pt.source, translated[i], opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			opts.logError("QA translation failed for paragraph %s: %v", pt.key, err)
			slots[pt.article][pt.slot] = &squad.Paragraph{Context: pt.source.Context}
			br.SkippedQAs += len(pt.source.QAs)
			br.FailedParagraphs++
			continue
		}
		slots[pt.article][pt.slot] = para
		br.QAPairs += n
		if opts.Checkpoint != nil {
			opts.Checkpoint.Mark(pt.key, pt.source.Context)
		}
	}

	return br, nil
}

// translateParagraph translates all questions and answer texts of one
// paragraph in a single call and rebuilds the paragraph around the
// already-translated context.
func translateParagraph(ctx context.Context, src squad.Paragraph, transContext string, opts *Options) (*squad.Paragraph, int, error) {
	// Flatten: question, then its answers, per QA item, in order.
	var texts []string
	for _, qa := range src.QAs {
		texts = append(texts, qa.Question)
		for _, ans := range qa.Answers {
			texts = append(texts, ans.Text)
		}
	}

	out := &squad.Paragraph{Context: transContext}
	if len(texts) == 0 {
		return out, 0, nil
	}

	translated, err := opts.Client.Translate(ctx, texts, opts.SourceLang, opts.TargetLang)
	if err != nil {
		return nil, 0, err
	}
	if len(translated) != len(texts) {
		return nil, 0, &Error{Err: fmt.Errorf("got %d translations for %d texts", len(translated), len(texts))}
	}

	idx := 0
	for _, qa := range src.QAs {
		item := squad.QAItem{ID: qa.ID, Question: translated[idx]}
		idx++
		for range qa.Answers {
			text := translated[idx]
			idx++
			item.Answers = append(item.Answers, squad.Answer{
				Text:        text,
				AnswerStart: locate(transContext, text),
			})
		}
		out.QAs = append(out.QAs, item)
	}
	return out, len(out.QAs), nil
}

// locate returns the first occurrence of answer in context, or the
// unresolved sentinel. Final offsets are the cleaner's responsibility;
// this is the translator's best effort.
func locate(context, answer string) int {
	if answer == "" {
		return squad.UnresolvedStart
	}
	if i := strings.Index(context, answer); i >= 0 {
		return i
	}
	return squad.UnresolvedStart
}

// resumedParagraph returns the previously translated paragraph for pt if
// the checkpoint marks it done and the previous output still has it.
func resumedParagraph(pt paraTask, opts *Options) *squad.Paragraph {
	if opts.Checkpoint == nil || opts.Previous == nil {
		return nil
	}
	if !opts.Checkpoint.Done(pt.key, pt.source.Context) {
		return nil
	}
	if pt.article >= len(opts.Previous.Data) {
		return nil
	}
	paras := opts.Previous.Data[pt.article].Paragraphs
	if pt.slot >= len(paras) {
		return nil
	}
	prev := paras[pt.slot]
	// Positions must still line up with the source: the QA ids are the
	// structural fingerprint that survives translation.
	if len(prev.QAs) != len(pt.source.QAs) {
		return nil
	}
	for i := range prev.QAs {
		if prev.QAs[i].ID != pt.source.QAs[i].ID {
			return nil
		}
	}
	return &prev
}

// ---------------------------------------------------------------------------
// Parallel runner
// ---------------------------------------------------------------------------

// runParallel runs tasks with a concurrency limit and launch delay.
func runParallel[T any](ctx context.Context, tasks []T, maxConcurrent int, delay time.Duration, fn func(context.Context, T) error) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		// Delay between launching tasks (skip first)
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				break
			}
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(t T) {
			defer func() {
				<-sem
				wg.Done()
			}()

			if err := fn(ctx, t); err != nil {
				errOnce.Do(func() {
					firstErr = err
				})
			}
		}(task)
	}

	wg.Wait()
	return firstErr
}
