package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/offline-health-cache/pkg/cache"
	"github.com/Sternrassler/offline-health-cache/pkg/logging"
	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/Sternrassler/offline-health-cache/pkg/queue"
	"github.com/rs/zerolog"
)

// NamespaceOpener resolves the active namespace for a kind.
type NamespaceOpener interface {
	Open(ctx context.Context, kind namespace.Kind) (*namespace.Namespace, error)
}

// Outcome describes what Apply did to the cache.
type Outcome string

const (
	OutcomeStored      Outcome = "stored"
	OutcomeInvalidated Outcome = "invalidated"
	OutcomeKeptNewer   Outcome = "kept_newer"
)

// Reconciler applies the authoritative server response of a confirmed write
// to the namespace of the write's route, so reads made after a sync see the
// server's version instead of the pre-sync cache. Items without a kind are
// reconciled into the health-data namespace.
//
// Conflicts between the cached copy and the response are resolved by
// last-write-wins on the server timestamp (Last-Modified, then Date).
type Reconciler struct {
	namespaces NamespaceOpener
	kind       namespace.Kind
	vary       []string
	logger     zerolog.Logger
}

// NewReconciler creates a Reconciler. varyHeaders must match the headers the read path keys entries by.
func NewReconciler(namespaces NamespaceOpener, varyHeaders []string) *Reconciler {
	return &Reconciler{
		namespaces: namespaces,
		kind:       namespace.KindHealthData,
		vary:       varyHeaders,
		logger:     logging.NewLogger("reconciler"),
	}
}

// Apply reconciles the cache with resp, the 2xx answer to item. resp.Body
// is consumed.
//
//   - DELETE, or a response without a body (204), invalidates the entry for
//     the item URL.
//   - POST invalidates the collection entry and, when the server names the
//     created record in Location, stores the body under that URL.
//   - PUT and PATCH store the body under the item URL.
func (r *Reconciler) Apply(ctx context.Context, item *queue.Item, resp *http.Response) (Outcome, error) {
	target, err := url.Parse(item.URL)
	if err != nil {
		return "", fmt.Errorf("parse item url: %w", err)
	}

	entry, err := cache.ResponseToEntry(resp, "")
	if err != nil {
		return "", err
	}

	if item.Method == http.MethodDelete || len(entry.Data) == 0 || resp.StatusCode == http.StatusNoContent {
		return OutcomeInvalidated, r.invalidate(ctx, item, target)
	}

	if item.Method == http.MethodPost {
		if err := r.invalidate(ctx, item, target); err != nil {
			return "", err
		}
		loc, err := resp.Location()
		if err != nil {
			return OutcomeInvalidated, nil
		}
		target = loc
	}

	entry.Key = r.key(item, target)
	entry.StatusCode = http.StatusOK
	return r.store(ctx, r.kindOf(item), entry)
}

func (r *Reconciler) kindOf(item *queue.Item) namespace.Kind {
	if item.Kind != "" {
		return item.Kind
	}
	return r.kind
}

func (r *Reconciler) key(item *queue.Item, target *url.URL) string {
	req := &http.Request{Method: http.MethodGet, URL: target, Header: item.Headers}
	if req.Header == nil {
		req.Header = http.Header{}
	}
	return cache.KeyFromRequest(req, r.vary)
}

func (r *Reconciler) invalidate(ctx context.Context, item *queue.Item, target *url.URL) error {
	key := r.key(item, target)
	return r.withNamespace(ctx, r.kindOf(item), func(ns *namespace.Namespace) error {
		if err := ns.Delete(ctx, key); err != nil {
			return err
		}
		r.logger.Debug().Str("key", key).Uint64("item", item.ID).Msg("Invalidated cache entry after sync")
		return nil
	})
}

func (r *Reconciler) store(ctx context.Context, kind namespace.Kind, entry *cache.Entry) (Outcome, error) {
	outcome := OutcomeStored
	err := r.withNamespace(ctx, kind, func(ns *namespace.Namespace) error {
		existing, err := ns.Get(ctx, entry.Key)
		if err == nil && existing.ServerTime().After(entry.ServerTime()) {
			outcome = OutcomeKeptNewer
			r.logger.Info().
				Str("key", entry.Key).
				Time("cached", existing.ServerTime()).
				Time("response", entry.ServerTime()).
				Msg("Cached copy is newer than sync response, keeping it")
			return nil
		}
		if err != nil && errors.Is(err, namespace.ErrNamespaceRetired) {
			return err
		}
		return ns.Put(ctx, entry)
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// withNamespace runs fn on the active namespace of kind, reopening once when
// an activation retired the handle.
func (r *Reconciler) withNamespace(ctx context.Context, kind namespace.Kind, fn func(ns *namespace.Namespace) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var ns *namespace.Namespace
		ns, err = r.namespaces.Open(ctx, kind)
		if err != nil {
			return fmt.Errorf("open %s namespace: %w", kind, err)
		}
		err = fn(ns)
		if !errors.Is(err, namespace.ErrNamespaceRetired) {
			return err
		}
	}
	return err
}
