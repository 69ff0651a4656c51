package source

import (
	"context"
	"fmt"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// Router dispatches a source to the adapter registered for its type.
type Router struct {
	adapters map[model.SourceType]Adapter
}

func NewRouter(adapters map[model.SourceType]Adapter) *Router {
	m := make(map[model.SourceType]Adapter, len(adapters))
	for k, v := range adapters {
		if v != nil {
			m[k] = v
		}
	}
	return &Router{adapters: m}
}

func (r *Router) Fetch(ctx context.Context, src model.CalendarSource, w model.Window) Result {
	if !w.Valid() {
		appLog.Info("skipping fetch for inverted window",
			"source", src.String(), "start", w.Start, "end", w.End)
		return Result{Events: []model.Event{}, Err: ErrInvalidWindow}
	}
	a, ok := r.adapters[src.Type]
	if !ok {
		return Result{Events: []model.Event{}, Err: fmt.Errorf("no adapter for source type %q", src.Type)}
	}
	res := a.Fetch(ctx, src, w)
	if res.Events == nil {
		res.Events = []model.Event{}
	}
	return res
}

func (r *Router) Metadata(ctx context.Context, src model.CalendarSource) (model.CalendarMeta, error) {
	a, ok := r.adapters[src.Type]
	if !ok {
		return model.CalendarMeta{}, fmt.Errorf("no adapter for source type %q", src.Type)
	}
	mp, ok := a.(MetadataProvider)
	if !ok {
		return model.CalendarMeta{Name: src.SourceID}, nil
	}
	return mp.Metadata(ctx, src)
}
