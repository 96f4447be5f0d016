// Package source defines the data-source capability surface and its
// adapters. A source never raises through the orchestrator: every failure is
// encoded in the returned payload.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// Source is the shared capability surface of every adapter. Fetch must be
// cancellable; Normalize must be pure.
type Source interface {
	Name() string
	Channel() model.Channel
	Reliability() float64
	Fetch(ctx context.Context, region model.RegionInput) model.RawPayload
	Normalize(p model.RawPayload) model.Observation
}

// Registry is the explicit, ordered list of process-lifetime sources.
type Registry struct {
	order []Source
	byKey map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{byKey: map[string]Source{}}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func (r *Registry) Register(s Source) {
	if _, dup := r.byKey[s.Name()]; dup {
		return
	}
	r.order = append(r.order, s)
	r.byKey[s.Name()] = s
}

func (r *Registry) All() []Source { return r.order }

func (r *Registry) ByName(name string) (Source, bool) {
	s, ok := r.byKey[name]
	return s, ok
}

// KeyMode is decided at construction from the configured credential.
type KeyMode int

const (
	ModeDisabled KeyMode = iota
	ModeLive
	ModeSimulate
)

// SimulateSentinel switches a source into simulation mode.
const SimulateSentinel = "simulate"

var placeholderKeys = map[string]struct{}{
	"":             {},
	"your_api_key": {},
	"changeme":     {},
	"placeholder":  {},
	"xxx":          {},
}

func ModeForKey(key string) KeyMode {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == SimulateSentinel {
		return ModeSimulate
	}
	if _, ok := placeholderKeys[k]; ok {
		return ModeDisabled
	}
	return ModeLive
}

func (m KeyMode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeSimulate:
		return "simulate"
	default:
		return "disabled"
	}
}

// payload and error constructors shared by the adapters

func okPayload(source string, region model.RegionInput, fields map[string]any) model.RawPayload {
	return model.RawPayload{
		Source:     source,
		RegionCode: region.Code,
		FetchedAt:  time.Now(),
		Fields:     fields,
	}
}

func errPayload(source string, region model.RegionInput, se model.SourceError) model.RawPayload {
	return model.RawPayload{
		Source:     source,
		RegionCode: region.Code,
		FetchedAt:  time.Now(),
		Err:        &se,
	}
}

func disabledPayload(source string, region model.RegionInput) model.RawPayload {
	return errPayload(source, region, model.SourceError{Kind: model.ErrDisabled})
}

// classifyTransportError folds transport failures into the error taxonomy.
func classifyTransportError(err error, rawURL string) model.SourceError {
	switch {
	case errors.Is(err, context.Canceled):
		return model.SourceError{Kind: model.ErrCancelled, Message: err.Error(), URL: rawURL}
	case errors.Is(err, context.DeadlineExceeded):
		return model.SourceError{Kind: model.ErrTimeout, Message: err.Error(), URL: rawURL}
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return model.SourceError{Kind: model.ErrTimeout, Message: err.Error(), URL: rawURL}
	}
	return model.SourceError{Kind: model.ErrConnect, Message: err.Error(), URL: rawURL}
}

func httpStatusError(status int, rawURL string) model.SourceError {
	return model.SourceError{
		Kind:       fmt.Sprintf("http_status_%d", status),
		StatusCode: status,
		URL:        rawURL,
	}
}
