// Package importer runs documents through the configured pre-parse
// handlers, the parser and the post-parse handlers.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/JakeFAU/webimporter/internal/doc"
	"github.com/JakeFAU/webimporter/internal/handler"
)

// Status is the outcome of an import.
type Status string

// Import outcomes.
const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// ReasonNoIncludeMatched is the rejection reason when a phase has include
// filters and none of them matched.
const ReasonNoIncludeMatched = "none of the include filters matched"

// Response describes what happened to one document.
type Response struct {
	Status     Status
	Reference  string
	RejectedBy string
	Reason     string
	Document   *doc.Document
	// Warnings aggregates errors from steps marked ContinueOnError.
	Warnings error
	Err      error
}

// Accepted reports whether the document made it through.
func (r Response) Accepted() bool { return r.Status == StatusAccepted }

// Parser converts raw content into text and metadata.
type Parser interface {
	Parse(ctx context.Context, d *doc.Document) error
}

// Importer is safe for concurrent use as long as its steps are.
type Importer struct {
	pre    []handler.Step
	post   []handler.Step
	parser Parser
	logger *zap.Logger
}

// New builds an importer. A nil parser leaves content untouched.
func New(pre, post []handler.Step, parser Parser, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{pre: pre, post: post, parser: parser, logger: logger}
}

// Import processes d. A non-nil error means the import failed; the response
// then carries StatusError. Rejections are not errors.
func (im *Importer) Import(ctx context.Context, d *doc.Document) (Response, error) {
	if d == nil {
		return Response{Status: StatusError}, errors.New("import: nil document")
	}
	if d.Metadata == nil {
		d.Metadata = doc.NewMetadata()
	}
	resp := Response{Reference: d.Reference, Document: d}
	var warnings *multierror.Error

	rejected, err := im.runPhase(ctx, d, doc.PreParse, im.pre, &resp, &warnings)
	if err != nil || rejected {
		return im.finish(resp, warnings, err)
	}

	if im.parser != nil {
		if err := im.parser.Parse(ctx, d); err != nil {
			return im.finish(resp, warnings, fmt.Errorf("parse %s: %w", d.Reference, err))
		}
	}

	rejected, err = im.runPhase(ctx, d, doc.PostParse, im.post, &resp, &warnings)
	if err != nil || rejected {
		return im.finish(resp, warnings, err)
	}
	resp.Status = StatusAccepted
	return im.finish(resp, warnings, nil)
}

func (im *Importer) finish(resp Response, warnings *multierror.Error, err error) (Response, error) {
	resp.Warnings = warnings.ErrorOrNil()
	if err != nil {
		resp.Status = StatusError
		resp.Err = err
		im.logger.Warn("import failed", zap.String("reference", resp.Reference), zap.Error(err))
		return resp, err
	}
	if resp.Status == StatusRejected {
		im.logger.Debug("document rejected",
			zap.String("reference", resp.Reference),
			zap.String("rejected_by", resp.RejectedBy),
			zap.String("reason", resp.Reason))
	}
	return resp, nil
}

// runPhase applies steps in order. An exclude filter that matches rejects
// immediately; include filters reject only when none of them matched.
func (im *Importer) runPhase(
	ctx context.Context,
	d *doc.Document,
	state doc.ParseState,
	steps []handler.Step,
	resp *Response,
	warnings **multierror.Error,
) (bool, error) {
	var includes []string
	includeMatched := false
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if !step.Applies(d) {
			continue
		}
		if step.Filter == nil {
			if err := step.Handler.Handle(ctx, d, state); err != nil {
				if step.ContinueOnError {
					*warnings = multierror.Append(*warnings, fmt.Errorf("%s: %w", step.Name, err))
					continue
				}
				return false, fmt.Errorf("%s (%s): %w", step.Name, state, err)
			}
			continue
		}

		matched, err := step.Filter.Filter(ctx, d, state)
		if err != nil {
			if step.ContinueOnError {
				*warnings = multierror.Append(*warnings, fmt.Errorf("%s: %w", step.Name, err))
				continue
			}
			return false, fmt.Errorf("%s (%s): %w", step.Name, state, err)
		}
		if step.Filter.OnMatch() == handler.Exclude {
			if matched {
				resp.Status = StatusRejected
				resp.RejectedBy = step.Name
				resp.Reason = "matched exclude filter"
				return true, nil
			}
			continue
		}
		includes = append(includes, step.Name)
		if matched {
			includeMatched = true
		}
	}
	if len(includes) > 0 && !includeMatched {
		resp.Status = StatusRejected
		resp.RejectedBy = strings.Join(includes, ",")
		resp.Reason = ReasonNoIncludeMatched
		return true, nil
	}
	return false, nil
}
