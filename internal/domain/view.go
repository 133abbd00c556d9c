package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

// ViewConfig selects what a View shows.
type ViewConfig struct {
	Set CandidateSet

	// RadiusKm overrides the feed's default radius when positive and finite.
	RadiusKm float64
}

// View is one consumer's live window onto a feed. While open it holds the
// change feed subscription for its set and receives refreshed results on
// Updates whenever the set changes.
type View struct {
	svc      *FeedService
	set      CandidateSet
	radiusKm float64
	locator  GeolocationProvider
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	origin     *geo.Coordinate
	locErr     error
	last       *RankedResult
	updates    chan *RankedResult
	refreshing bool
	dirty      bool
	closed     bool
}

type position struct {
	coord geo.Coordinate
	err   error
}

// OpenView acquires the requester's location from locator and opens a view of
// the configured feed. A location failure does not fail the call; the view's
// results carry a location error until RequestLocationPermission succeeds.
// The view must be closed.
func (s *FeedService) OpenView(ctx context.Context, cfg ViewConfig, locator GeolocationProvider) (*View, error) {
	if _, ok := s.feeds[cfg.Set]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, cfg.Set)
	}

	vctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	v := &View{
		svc:      s,
		set:      cfg.Set,
		radiusKm: cfg.RadiusKm,
		locator:  locator,
		limiter:  rate.NewLimiter(s.refreshRate, 1),
		ctx:      vctx,
		cancel:   cancel,
		updates:  make(chan *RankedResult, 1),
	}

	v.origin, v.locErr = v.locate(ctx)
	if v.locErr != nil {
		s.logger.Warn("view opened without location", "set", cfg.Set, "error", v.locErr)
	}

	s.attach(v)
	return v, nil
}

// Origin returns the requester's coordinates, or nil with the reason they are
// unavailable.
func (v *View) Origin() (*geo.Coordinate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.origin, v.locErr
}

// Result returns the current ranked result, served from cache when fresh.
func (v *View) Result(ctx context.Context) (*RankedResult, error) {
	return v.fetch(ctx, false)
}

// Refetch recomputes the result regardless of the cache and publishes it on
// Updates.
func (v *View) Refetch(ctx context.Context) (*RankedResult, error) {
	res, err := v.fetch(ctx, true)
	if err != nil {
		return nil, err
	}
	v.publish(res)
	return res, nil
}

// RequestLocationPermission asks for the requester's location again and, on
// success, returns a result ranked from the new position.
func (v *View) RequestLocationPermission(ctx context.Context) (*RankedResult, error) {
	origin, err := v.locate(ctx)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, context.Canceled
	}
	v.origin, v.locErr = origin, err
	v.mu.Unlock()

	res, ferr := v.fetch(ctx, false)
	if ferr != nil {
		return nil, ferr
	}
	v.publish(res)
	return res, nil
}

// Updates delivers results refreshed after changes to the set. Only the latest
// undelivered result is kept. Interim results with Loading set are sent while
// a refresh runs. The channel is closed by Close.
func (v *View) Updates() <-chan *RankedResult {
	return v.updates
}

// Close releases the view's change feed subscription and stops pending
// refreshes. It is safe to call more than once.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	close(v.updates)
	v.mu.Unlock()

	v.cancel()
	v.svc.detach(v)
}

func (v *View) query(refetch bool) Query {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Query{
		Set:         v.set,
		Origin:      v.origin,
		LocationErr: v.locErr,
		RadiusKm:    v.radiusKm,
		Refetch:     refetch,
	}
}

func (v *View) fetch(ctx context.Context, refetch bool) (*RankedResult, error) {
	res, err := v.svc.Nearby(ctx, v.query(refetch))
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.last = res
	v.mu.Unlock()
	return res, nil
}

// publish replaces any undelivered result with r.
func (v *View) publish(r *RankedResult) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	if !r.Loading {
		v.last = r
	}
	select {
	case <-v.updates:
	default:
	}
	v.updates <- r
}

// triggerRefresh schedules a recomputation of the view. At most one refresh
// runs at a time; changes that arrive while it runs cause exactly one more
// pass once it has published. Passes are spaced by the service's refresh rate.
func (v *View) triggerRefresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.refreshing {
		v.dirty = true
		return
	}
	v.refreshing = true
	go v.refreshLoop()
}

func (v *View) refreshLoop() {
	for {
		v.refresh()

		v.mu.Lock()
		if v.closed || !v.dirty {
			v.refreshing = false
			v.dirty = false
			v.mu.Unlock()
			return
		}
		v.dirty = false
		v.mu.Unlock()
	}
}

func (v *View) refresh() {
	if err := v.limiter.Wait(v.ctx); err != nil {
		return
	}

	v.mu.Lock()
	prev := v.last
	v.mu.Unlock()
	if prev != nil {
		loading := *prev
		loading.Loading = true
		v.publish(&loading)
	}

	res, err := v.svc.Nearby(v.ctx, v.query(false))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			v.svc.logger.Warn("view refresh failed", "set", v.set, "error", err)
		}
		return
	}
	v.publish(res)
}

// locate obtains the requester's position within the service's location
// timeout. The wait also ends when the view is closed.
func (v *View) locate(ctx context.Context) (*geo.Coordinate, error) {
	if v.locator == nil {
		return nil, &LocationError{Reason: LocationUnsupported}
	}

	ctx, cancel := context.WithTimeout(ctx, v.svc.locationTimeout)
	defer cancel()
	stop := context.AfterFunc(v.ctx, cancel)
	defer stop()

	ch := make(chan position, 1)
	go func() {
		coord, err := v.locator.CurrentPosition(ctx)
		ch <- position{coord: coord, err: err}
	}()

	var p position
	select {
	case <-ctx.Done():
		p.err = ctx.Err()
	case p = <-ch:
	}

	if p.err != nil {
		return nil, asLocationError(p.err)
	}
	if !p.coord.Valid() {
		return nil, &LocationError{
			Reason: LocationUnavailable,
			Err:    fmt.Errorf("coordinate out of range: %s", p.coord),
		}
	}
	return &p.coord, nil
}

func asLocationError(err error) error {
	var le *LocationError
	if errors.As(err, &le) {
		return le
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &LocationError{Reason: LocationTimeout, Err: err}
	}
	return &LocationError{Reason: LocationUnavailable, Err: err}
}
