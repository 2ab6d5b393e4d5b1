package store

import (
	"context"
	"log/slog"

	"family-calls/internal/calls"
)

// Publisher delivers change notifications to subscribers of a call.
type Publisher interface {
	Publish(ctx context.Context, ch calls.Change) error
}

// Feed decorates a Store so that every committed insert and update is
// published as a change notification.
//
// NOTE: publish failures are logged and swallowed. The write is already
// committed; subscribers that miss it recover by re-reading the record.
type Feed struct {
	Store
	pub Publisher
	log *slog.Logger
}

func WithFeed(s Store, pub Publisher, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{Store: s, pub: pub, log: log}
}

func (f *Feed) Insert(ctx context.Context, s calls.Session) (calls.Session, error) {
	out, err := f.Store.Insert(ctx, s)
	if err != nil {
		return out, err
	}
	f.publish(ctx, calls.Change{New: out})
	return out, nil
}

func (f *Feed) Update(ctx context.Context, id string, cond Condition, mutate Mutation) (calls.Change, error) {
	ch, err := f.Store.Update(ctx, id, cond, mutate)
	if err != nil {
		return ch, err
	}
	f.publish(ctx, ch)
	return ch, nil
}

func (f *Feed) publish(ctx context.Context, ch calls.Change) {
	if f.pub == nil {
		return
	}
	if err := f.pub.Publish(ctx, ch); err != nil {
		f.log.Warn("change feed publish failed", "call_id", ch.New.ID, "status", ch.New.Status, "error", err)
	}
}
