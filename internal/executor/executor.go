// Package executor applies decided actions to live pages and drives the
// task step loop.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/skyvernhq/skyvern-go/internal/action"
	"github.com/skyvernhq/skyvern-go/internal/artifact"
	"github.com/skyvernhq/skyvern-go/internal/browser"
	"github.com/skyvernhq/skyvern-go/internal/errors"
	"github.com/skyvernhq/skyvern-go/internal/retry"
	"github.com/skyvernhq/skyvern-go/internal/scrape"
	"github.com/skyvernhq/skyvern-go/internal/workflow"
)

const (
	// DefaultStabilityTimeout bounds the element stability poll.
	DefaultStabilityTimeout = time.Second

	// postActionSettleBound caps the settle wait after an action.
	postActionSettleBound = 2 * time.Second

	// maxWaitSeconds bounds the wait action.
	maxWaitSeconds = 3600

	gotoTimeout = 30 * time.Second
)

// Sink persists artifacts produced while executing a step.
type Sink interface {
	WriteArtifact(ctx context.Context, kind artifact.Kind, contentType string, data []byte) (*artifact.Artifact, error)
}

// Executor applies one action at a time against a page. It never decides
// anything; resolution and interaction only.
type Executor struct {
	scraper *scrape.Scraper
	clock   retry.Clock
	logger  *slog.Logger

	// Blobs stores downloaded files when set.
	Blobs artifact.BlobStore

	// StabilityTimeout bounds the pre-interaction stability poll.
	StabilityTimeout time.Duration

	// StrictExtraction fails extract actions whose data does not satisfy
	// the task schema; off, the mismatch is logged and passed through.
	StrictExtraction bool
}

// NewExecutor creates an action executor.
func NewExecutor(scraper *scrape.Scraper, clock retry.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		scraper:          scraper,
		clock:            clock,
		logger:           logger,
		StabilityTimeout: DefaultStabilityTimeout,
	}
}

// Apply executes one action. Element actions resolve their target against
// scraped; schema constrains extract output. The returned result is
// always usable, errors are folded into it.
func (e *Executor) Apply(ctx context.Context, page browser.Page, a action.Action, scraped *scrape.ScrapedPage, schema json.RawMessage, sink Sink) action.Result {
	start := e.clock.Now()
	res := e.apply(ctx, page, &a, scraped, schema, sink)
	res.Duration = e.clock.Since(start)

	if !a.IsTerminal() && a.Kind != action.KindNullAction {
		e.afterAction(ctx, page, sink)
	}
	return res
}

func (e *Executor) apply(ctx context.Context, page browser.Page, a *action.Action, scraped *scrape.ScrapedPage, schema json.RawMessage, sink Sink) action.Result {
	var css string
	var el *scrape.Element
	if a.RequiresElement() {
		var err error
		css, el, err = e.resolve(scraped, a)
		if err != nil {
			return failureFromErr(a, err)
		}
		if err := e.assertStable(ctx, page, css); err != nil {
			return failureFromErr(a, err)
		}
	}

	switch a.Kind {
	case action.KindClick:
		if err := page.Click(ctx, css); err != nil {
			// Native click failed; synthesize a mouse event at the center.
			if el == nil {
				return failureFromErr(a, errors.ErrElementNotFound(a.ElementRef))
			}
			if err := page.ClickAt(ctx, el.CenterX, el.CenterY); err != nil {
				return action.FailureResult(a, string(errors.CodeElementNotStable),
					fmt.Sprintf("click failed natively and by coordinates: %v", err))
			}
		}
		return action.SuccessResult(a, nil)

	case action.KindInputText:
		if err := page.TypeInto(ctx, css, a.Text); err != nil {
			if err := page.FillValue(ctx, css, a.Text); err != nil {
				return action.FailureResult(a, string(errors.CodeElementNotStable),
					fmt.Sprintf("typing failed natively and by value injection: %v", err))
			}
		}
		return action.SuccessResult(a, nil)

	case action.KindSelectOption:
		if err := page.SelectOption(ctx, css, a.Option, false); err != nil {
			if err := page.SelectOption(ctx, css, a.Option, true); err != nil {
				return failureFromErr(a, errors.ErrOptionNotFound(a.Option))
			}
		}
		return action.SuccessResult(a, nil)

	case action.KindUploadFile:
		if err := page.SetFiles(ctx, css, []string{a.Text}); err != nil {
			return action.FailureResult(a, string(errors.CodeInternal),
				fmt.Sprintf("file upload: %v", err))
		}
		return action.SuccessResult(a, nil)

	case action.KindDownloadFile:
		data, filename, err := page.Download(ctx, css)
		if err != nil {
			return action.FailureResult(a, string(errors.CodeInternal),
				fmt.Sprintf("file download: %v", err))
		}
		out := map[string]any{"filename": filename, "bytes_size": len(data)}
		if e.Blobs != nil {
			uri, err := e.Blobs.Put(ctx, data, "application/octet-stream")
			if err != nil {
				return failureFromErr(a, errors.ErrBlobStore(err))
			}
			out["uri"] = uri
		}
		payload, _ := json.Marshal(out)
		return action.SuccessResult(a, payload)

	case action.KindWait:
		d := a.WaitDuration()
		if d > maxWaitSeconds*time.Second {
			d = maxWaitSeconds * time.Second
		}
		if err := e.clock.Sleep(ctx, d); err != nil {
			return action.FailureResult(a, string(errors.CodeCanceled), "wait aborted")
		}
		return action.SuccessResult(a, nil)

	case action.KindExtract:
		return e.extract(ctx, page, a, schema)

	case action.KindScroll:
		if err := page.ScrollBy(ctx, a.ScrollY); err != nil {
			return action.FailureResult(a, string(errors.CodePageUnresponsive),
				fmt.Sprintf("scroll: %v", err))
		}
		return action.SuccessResult(a, nil)

	case action.KindScreenshot:
		shot, err := page.Screenshot(ctx, false)
		if err != nil {
			return action.FailureResult(a, string(errors.CodePageUnresponsive),
				fmt.Sprintf("screenshot: %v", err))
		}
		if sink != nil {
			if art, err := sink.WriteArtifact(ctx, artifact.KindScreenshotAction, "image/png", shot); err == nil {
				payload, _ := json.Marshal(map[string]string{"artifact_id": art.ID})
				return action.SuccessResult(a, payload)
			}
		}
		return action.SuccessResult(a, nil)

	case action.KindComplete:
		return action.SuccessResult(a, a.ExtractedData)

	case action.KindTerminate:
		return action.SuccessResult(a, nil)

	case action.KindNullAction:
		return action.SuccessResult(a, nil)

	case action.KindSolveCaptcha:
		// No captcha provider is wired; surface it as a non-terminal
		// failure the oracle can route around.
		return action.FailureResult(a, string(errors.CodeInternal), "no captcha solver configured")

	default:
		return action.FailureResult(a, string(errors.CodeValidation),
			fmt.Sprintf("unknown action kind %q", a.Kind))
	}
}

// resolve maps the action's element reference to a selector: id first,
// then unique content hash.
func (e *Executor) resolve(scraped *scrape.ScrapedPage, a *action.Action) (string, *scrape.Element, error) {
	if scraped == nil {
		return "", nil, errors.ErrElementNotFound(a.ElementRef)
	}
	if a.ElementRef != "" {
		if css, ok := scraped.IDToCSS[a.ElementRef]; ok {
			return css, scraped.IDToElement[a.ElementRef], nil
		}
	}
	if a.ElementContentHash != "" {
		if el, ok := scraped.ElementByHash(a.ElementContentHash); ok {
			return el.CSS, el, nil
		}
	}
	ref := a.ElementRef
	if ref == "" {
		ref = a.ElementContentHash
	}
	return "", nil, errors.ErrElementNotFound(ref)
}

// assertStable polls until the element is attached and visible, bounded
// by the stability timeout.
func (e *Executor) assertStable(ctx context.Context, page browser.Page, css string) error {
	timeout := e.StabilityTimeout
	if timeout <= 0 {
		timeout = DefaultStabilityTimeout
	}
	if err := page.WaitForSelector(ctx, css, timeout); err != nil {
		return errors.ErrElementNotStable(css)
	}
	return nil
}

// extract runs a scraping pass and shapes the result against the schema.
func (e *Executor) extract(ctx context.Context, page browser.Page, a *action.Action, schema json.RawMessage) action.Result {
	data := a.ExtractedData
	if len(data) == 0 {
		sp, err := e.scraper.Scrape(ctx, page, scrape.Options{SkipScreenshots: true})
		if err != nil {
			return failureFromErr(a, err)
		}
		payload, _ := json.Marshal(map[string]string{"text": sp.ExtractedText, "url": sp.URL})
		data = payload
	}
	if len(schema) > 0 {
		if err := validateAgainstSchema(data, schema); err != nil {
			if e.StrictExtraction {
				return action.FailureResult(a, string(errors.CodeValidation),
					fmt.Sprintf("extracted data does not satisfy schema: %v", err))
			}
			e.logger.Warn("extracted data does not satisfy schema", "error", err)
		}
	}
	return action.SuccessResult(a, data)
}

func validateAgainstSchema(data, schema json.RawMessage) error {
	sch, err := workflow.CompileSchema(schema)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// afterAction captures the post-action screenshot and waits for the page
// to settle before the next scrape.
func (e *Executor) afterAction(ctx context.Context, page browser.Page, sink Sink) {
	if sink != nil {
		if shot, err := page.Screenshot(ctx, false); err == nil {
			if _, err := sink.WriteArtifact(ctx, artifact.KindScreenshotAction, "image/png", shot); err != nil {
				e.logger.Warn("post-action screenshot artifact failed", "error", err)
			}
		}
	}
	e.scraper.WaitForSettle(ctx, page, postActionSettleBound, scrape.DefaultQuietWindow)
}

// failureFromErr folds a typed error into an action result.
func failureFromErr(a *action.Action, err error) action.Result {
	if se := errors.AsSkyvernError(err); se != nil {
		return action.FailureResult(a, string(se.Code), se.Error())
	}
	return action.FailureResult(a, string(errors.CodeInternal), err.Error())
}
