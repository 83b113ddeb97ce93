// Package media converts a local media selection into an uploaded object
// reference and hands it to the message store as a send continuation.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/emberapp/ember/internal/errs"
)

// Kind selects the device capability used to pick an asset.
type Kind string

const (
	KindCamera  Kind = "camera"
	KindLibrary Kind = "library"
)

// Asset is a locally picked media file, not yet uploaded.
type Asset struct {
	Path     string
	MIMEType string
}

// NewAsset sniffs the file's MIME type from content, not extension.
func NewAsset(path string) (*Asset, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidArgument, "detect media type", err)
	}
	return &Asset{Path: path, MIMEType: mt.String()}, nil
}

// Object is the uploaded reference the message payload carries.
type Object struct {
	URL       string `json:"url"`
	Type      string `json:"type"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Picker invokes a device capability. Returning (nil, nil) means the user
// cancelled: the pipeline returns to idle with no side effects.
type Picker interface {
	Pick(ctx context.Context, kind Kind) (*Asset, error)
}

// PickFunc adapts a function to the Picker interface.
type PickFunc func(ctx context.Context, kind Kind) (*Asset, error)

func (f PickFunc) Pick(ctx context.Context, kind Kind) (*Asset, error) { return f(ctx, kind) }

// Uploader transmits an asset to object storage.
type Uploader interface {
	Upload(ctx context.Context, asset *Asset) (*Object, error)
}

// Enqueuer is the message store's side of the pipeline: the placeholder
// goes in before the upload completes so the UI shows upload-in-progress.
type Enqueuer interface {
	BeginMedia(asset *Asset) (placeholderID string, err error)
	CompleteMedia(placeholderID string, obj *Object) error
	FailMedia(placeholderID string, cause error)
}

// State is the pipeline's current phase.
type State string

const (
	StateIdle      State = "idle"
	StatePicking   State = "picking"
	StateUploading State = "uploading"
	StateEnqueued  State = "enqueued"
)

// Pipeline runs at most one pick/upload sequence at a time; re-entrant
// calls are rejected, not queued.
type Pipeline struct {
	picker   Picker
	uploader Uploader
	timeout  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// NewPipeline creates a pipeline with the given hard timeout for the whole
// pick/upload sequence. The timeout also covers silently-hung pickers.
func NewPipeline(picker Picker, uploader Uploader, timeout time.Duration, logger *zap.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		picker:   picker,
		uploader: uploader,
		timeout:  timeout,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the pipeline's current phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Send drives one pick -> upload -> enqueue sequence into sink.
func (p *Pipeline) Send(ctx context.Context, kind Kind, sink Enqueuer) error {
	if p.picker == nil {
		return errs.InvalidArg("no media picker configured")
	}
	return p.run(ctx, func(ctx context.Context) (*Asset, error) {
		return p.picker.Pick(ctx, kind)
	}, sink)
}

// SendFile uploads a local file directly, bypassing the device picker.
// This is the headless entry point.
func (p *Pipeline) SendFile(ctx context.Context, path string, sink Enqueuer) error {
	return p.run(ctx, func(context.Context) (*Asset, error) {
		return NewAsset(path)
	}, sink)
}

func (p *Pipeline) run(ctx context.Context, pick func(context.Context) (*Asset, error), sink Enqueuer) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return errs.PipelineBusy("media send already in progress")
	}
	p.state = StatePicking
	p.mu.Unlock()
	defer p.setState(StateIdle)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	asset, err := pick(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errs.UploadTimeout("picker stalled", err)
		}
		return errs.Wrap(errs.CodeInternal, "pick media", err)
	}
	if asset == nil {
		// User cancelled; no side effects.
		return nil
	}

	p.setState(StateUploading)
	placeholderID, err := sink.BeginMedia(asset)
	if err != nil {
		return err
	}

	obj, err := p.uploader.Upload(ctx, asset)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errs.UploadTimeout("upload exceeded hard cap", err)
		}
		sink.FailMedia(placeholderID, err)
		p.logger.Warn("media upload failed", zap.String("placeholder", placeholderID), zap.Error(err))
		return err
	}

	p.setState(StateEnqueued)
	return sink.CompleteMedia(placeholderID, obj)
}
