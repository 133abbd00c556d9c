package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/blackmichael/nearby-feeds/internal/cache"
	"github.com/blackmichael/nearby-feeds/internal/geo"
)

const (
	defaultLocationTimeout = 10 * time.Second
	defaultRetryDelay      = time.Second
	defaultRefreshRate     = rate.Limit(1)

	// maxStoreRetries bounds internal retries of a failed store load. Further
	// failures are surfaced so the consumer can refetch.
	maxStoreRetries = 1
)

// FeedConfig describes a single proximity feed.
type FeedConfig struct {
	// Set is the candidate set the feed ranks.
	Set CandidateSet

	// RadiusKm is the default radius for queries that do not specify one.
	RadiusKm float64

	// TTL is how long a ranked result is served before it is recomputed.
	TTL time.Duration

	// RefetchOnRefocus drops cached results when the consumer regains focus.
	RefetchOnRefocus bool
}

// DefaultFeedConfigs returns the posts and doctors feeds with a 15 km radius.
// Posts are cached for five minutes and doctor availability for one.
func DefaultFeedConfigs() []FeedConfig {
	return []FeedConfig{
		{Set: SetPosts, RadiusKm: 15, TTL: 5 * time.Minute},
		{Set: SetDoctors, RadiusKm: 15, TTL: time.Minute},
	}
}

// feed holds the cache of a single feed.
type feed struct {
	cfg   FeedConfig
	cache *cache.Cache[[]AnnotatedCandidate]
}

// activeSet tracks the open views of a set and the change feed subscription
// held on their behalf.
type activeSet struct {
	unsubscribe func()
	views       map[*View]struct{}
}

// Option configures a FeedService.
type Option func(*FeedService)

// WithChangeFeed enables realtime invalidation from the given feed. Without
// one, cached results only refresh when they go stale.
func WithChangeFeed(changes ChangeFeed) Option {
	return func(s *FeedService) {
		s.changes = changes
	}
}

// WithWriter enables CreatePost and SetDoctorStatus.
func WithWriter(writer CandidateWriter) Option {
	return func(s *FeedService) {
		s.writer = writer
	}
}

// WithPublisher announces writes made through the service. When unset, writes
// invalidate this service's caches directly.
func WithPublisher(publisher ChangePublisher) Option {
	return func(s *FeedService) {
		s.publisher = publisher
	}
}

// WithRecorder sets the instrumentation sink.
func WithRecorder(recorder Recorder) Option {
	return func(s *FeedService) {
		s.recorder = recorder
	}
}

// WithLocationTimeout bounds how long a view waits for coordinates.
func WithLocationTimeout(timeout time.Duration) Option {
	return func(s *FeedService) {
		s.locationTimeout = timeout
	}
}

// WithRetryDelay sets the delay before the single retry of a failed store load.
func WithRetryDelay(delay time.Duration) Option {
	return func(s *FeedService) {
		s.retryDelay = delay
	}
}

// WithRefreshRate limits change-driven refreshes per view. A non-positive
// limit disables throttling.
func WithRefreshRate(limit rate.Limit) Option {
	return func(s *FeedService) {
		s.refreshRate = limit
	}
}

// WithClock sets the time source used by the caches.
func WithClock(now func() time.Time) Option {
	return func(s *FeedService) {
		s.now = now
	}
}

// FeedService is the core domain service. It ranks candidate sets by distance
// from the requester, caches the ranked results per location and keeps them
// fresh from the change feed while views are open.
type FeedService struct {
	feeds     map[CandidateSet]*feed
	store     *CandidateStore
	writer    CandidateWriter
	changes   ChangeFeed
	publisher ChangePublisher
	recorder  Recorder
	logger    *slog.Logger

	locationTimeout time.Duration
	retryDelay      time.Duration
	refreshRate     rate.Limit
	now             func() time.Time

	mu     sync.Mutex
	active map[CandidateSet]*activeSet

	// listening holds the service-lifetime subscriptions made by Start.
	listening map[CandidateSet]func()
}

// NewFeedService creates a FeedService with the given feed configurations.
func NewFeedService(configs []FeedConfig, candidates CandidateRepository, profiles ProfileRepository, logger *slog.Logger, opts ...Option) (*FeedService, error) {
	s := &FeedService{
		feeds:           make(map[CandidateSet]*feed, len(configs)),
		store:           NewCandidateStore(candidates, profiles),
		recorder:        nopRecorder{},
		logger:          logger,
		locationTimeout: defaultLocationTimeout,
		retryDelay:      defaultRetryDelay,
		refreshRate:     defaultRefreshRate,
		now:             time.Now,
		active:          make(map[CandidateSet]*activeSet),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.refreshRate <= 0 {
		s.refreshRate = rate.Inf
	}

	for _, cfg := range configs {
		if cfg.Set == "" {
			return nil, fmt.Errorf("feed config: set is required")
		}
		if _, dup := s.feeds[cfg.Set]; dup {
			return nil, fmt.Errorf("feed %s: configured more than once", cfg.Set)
		}
		if !validRadius(cfg.RadiusKm) {
			return nil, fmt.Errorf("feed %s: radius must be positive and finite, got %v", cfg.Set, cfg.RadiusKm)
		}
		if cfg.TTL <= 0 {
			return nil, fmt.Errorf("feed %s: ttl must be positive, got %v", cfg.Set, cfg.TTL)
		}

		set := string(cfg.Set)
		s.feeds[cfg.Set] = &feed{
			cfg: cfg,
			cache: cache.New[[]AnnotatedCandidate](cache.Options{
				TTL:              cfg.TTL,
				RefetchOnRefocus: cfg.RefetchOnRefocus,
				Now:              s.now,
				OnHit:            func(cache.Key) { s.recorder.CacheHit(set) },
				OnMiss:           func(cache.Key) { s.recorder.CacheMiss(set) },
			}),
		}
	}

	return s, nil
}

// validRadius reports whether r can bound a search. NaN and +Inf would let
// every located candidate through.
func validRadius(r float64) bool {
	return r > 0 && !math.IsInf(r, 1)
}

// FeedSets returns the configured candidate sets in sorted order.
func (s *FeedService) FeedSets() []CandidateSet {
	sets := make([]CandidateSet, 0, len(s.feeds))
	for set := range s.feeds {
		sets = append(sets, set)
	}
	slices.Sort(sets)
	return sets
}

// FeedConfig returns the configuration of the feed for set.
func (s *FeedService) FeedConfig(set CandidateSet) (FeedConfig, bool) {
	f, ok := s.feeds[set]
	if !ok {
		return FeedConfig{}, false
	}
	return f.cfg, true
}

// Query is a single proximity lookup.
type Query struct {
	Set CandidateSet

	// Origin is the requester's position. When nil the result carries a
	// location error and no candidates are queried.
	Origin *geo.Coordinate

	// LocationErr explains a nil Origin. Defaults to LocationUnavailable.
	LocationErr error

	// RadiusKm overrides the feed's default radius when positive and finite.
	RadiusKm float64

	// Refetch bypasses any cached result.
	Refetch bool
}

// Nearby returns the ranked result for q. Location and store failures are
// reported in the result; the error is only set for an unknown set or when
// ctx ends before the result is ready.
func (s *FeedService) Nearby(ctx context.Context, q Query) (*RankedResult, error) {
	f, ok := s.feeds[q.Set]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, q.Set)
	}

	radius := q.RadiusKm
	if !validRadius(radius) {
		radius = f.cfg.RadiusKm
	}

	result := &RankedResult{
		Set:      q.Set,
		Origin:   q.Origin,
		RadiusKm: radius,
		Error:    ErrorNone,
	}

	if q.Origin == nil {
		err := q.LocationErr
		if err == nil {
			err = &LocationError{Reason: LocationUnavailable}
		}
		result.Error = ErrorLocation
		result.Err = err
		return result, nil
	}

	key := cache.NewKey(string(q.Set), radius, q.Origin)
	origin := *q.Origin
	compute := func(ctx context.Context) ([]AnnotatedCandidate, error) {
		return s.compute(ctx, q.Set, origin, radius)
	}

	var (
		items []AnnotatedCandidate
		err   error
	)
	if q.Refetch {
		items, err = f.cache.Refresh(ctx, key, compute)
	} else {
		items, err = f.cache.GetOrCompute(ctx, key, compute)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Error = KindOf(err)
		result.Err = err
		return result, nil
	}

	result.Items = items
	return result, nil
}

func (s *FeedService) compute(ctx context.Context, set CandidateSet, origin geo.Coordinate, radiusKm float64) ([]AnnotatedCandidate, error) {
	start := time.Now()

	var (
		candidates []Candidate
		profiles   map[string]Profile
		err        error
	)
	for attempt := 0; ; attempt++ {
		candidates, profiles, err = s.store.Load(ctx, set)
		if err == nil || attempt >= maxStoreRetries {
			break
		}
		s.logger.Warn("store load failed, retrying", "set", set, "attempt", attempt+1, "delay", s.retryDelay, "error", err)
		select {
		case <-ctx.Done():
			s.recorder.Recompute(string(set), time.Since(start), ctx.Err())
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	if err != nil {
		s.logger.Error("store load failed", "set", set, "error", err)
		s.recorder.Recompute(string(set), time.Since(start), err)
		return nil, err
	}

	ranked := Rank(candidates, origin, radiusKm, profiles)
	s.recorder.Recompute(string(set), time.Since(start), nil)
	s.logger.Debug("feed recomputed",
		"set", set,
		"origin", origin.Key(cache.KeyPrecision),
		"radius_km", radiusKm,
		"candidates", len(candidates),
		"results", len(ranked),
	)
	return ranked, nil
}

// Invalidate drops every cached result of set and returns how many were
// dropped.
func (s *FeedService) Invalidate(set CandidateSet) int {
	f, ok := s.feeds[set]
	if !ok {
		return 0
	}
	return f.cache.Invalidate(func(k cache.Key) bool { return k.BelongsTo(string(set)) })
}

// Refocus tells the service the consumer regained focus. Feeds configured
// with RefetchOnRefocus drop their cached results.
func (s *FeedService) Refocus() int {
	dropped := 0
	for _, f := range s.feeds {
		dropped += f.cache.Refocus()
	}
	if dropped > 0 {
		s.logger.Info("refocus dropped cached results", "dropped", dropped)
	}
	return dropped
}

// StartJanitor runs a background loop that evicts expired cached results at
// the given interval. It blocks until ctx is cancelled.
func (s *FeedService) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *FeedService) sweep() {
	for set, f := range s.feeds {
		if removed := f.cache.Sweep(); removed > 0 {
			s.logger.Debug("expired results evicted", "set", set, "removed", removed)
		}
	}
}

// CreatePost stores an incident report and announces it so open views of the
// posts feed refresh.
func (s *FeedService) CreatePost(ctx context.Context, post NewPost) (*NewPost, error) {
	if s.writer == nil {
		return nil, ErrReadOnly
	}
	post.Description = strings.TrimSpace(post.Description)
	if post.UserID == "" {
		return nil, fmt.Errorf("%w: post user id is required", ErrInvalidInput)
	}
	if post.Description == "" {
		return nil, fmt.Errorf("%w: post description cannot be empty", ErrInvalidInput)
	}
	if post.Location != nil && !post.Location.Valid() {
		return nil, fmt.Errorf("%w: post location out of range: %s", ErrInvalidInput, post.Location)
	}
	if post.ID == "" {
		post.ID = uuid.NewString()
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = s.now().UTC()
	}

	if err := s.writer.CreatePost(ctx, &post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	s.announce(ChangeEvent{Table: string(SetPosts), Operation: OperationInsert, RecordID: post.ID})
	return &post, nil
}

// SetDoctorStatus records whether a doctor is available and announces the
// change so open views of the doctors feed refresh.
func (s *FeedService) SetDoctorStatus(ctx context.Context, status DoctorStatus) error {
	if s.writer == nil {
		return ErrReadOnly
	}
	if status.DoctorID == "" {
		return fmt.Errorf("%w: doctor id is required", ErrInvalidInput)
	}

	if err := s.writer.SetDoctorStatus(ctx, status); err != nil {
		return fmt.Errorf("set doctor status: %w", err)
	}

	s.announce(ChangeEvent{Table: string(SetDoctors), Operation: OperationUpdate, RecordID: status.DoctorID})
	return nil
}

// announce makes a local write visible at once and then tells the other
// consumers of the change feed. The publisher's echo refreshes open views.
func (s *FeedService) announce(ev ChangeEvent) {
	if s.publisher == nil {
		s.handleChange(CandidateSet(ev.Table), ev)
		return
	}
	s.Invalidate(CandidateSet(ev.Table))
	s.publisher.Publish(ev)
}

// Start subscribes to the change feed for every configured set until ctx is
// done, so cached results are dropped on change whether or not a view is
// open. Views opened while started share these subscriptions.
func (s *FeedService) Start(ctx context.Context) error {
	if s.changes == nil {
		return nil
	}

	s.mu.Lock()
	if s.listening != nil {
		s.mu.Unlock()
		return errors.New("feed service already started")
	}
	listening := make(map[CandidateSet]func(), len(s.feeds))
	var released []func()
	for set := range s.feeds {
		unsubscribe, err := s.subscribe(set)
		if err != nil {
			s.mu.Unlock()
			for _, u := range listening {
				u()
			}
			return fmt.Errorf("subscribe to %s changes: %w", set, err)
		}
		listening[set] = unsubscribe
	}
	// views opened before Start hand their subscription over
	for set := range listening {
		if as, ok := s.active[set]; ok && as.unsubscribe != nil {
			released = append(released, as.unsubscribe)
			as.unsubscribe = nil
		}
	}
	s.listening = listening
	s.mu.Unlock()

	for _, u := range released {
		u()
	}
	context.AfterFunc(ctx, s.stopListening)

	s.logger.Info("listening for changes", "sets", len(listening))
	return nil
}

func (s *FeedService) stopListening() {
	s.mu.Lock()
	listening := s.listening
	s.listening = nil
	s.mu.Unlock()

	for _, unsubscribe := range listening {
		unsubscribe()
	}
}

func (s *FeedService) subscribe(set CandidateSet) (func(), error) {
	return s.changes.Subscribe(string(set), func(ev ChangeEvent) {
		s.handleChange(set, ev)
	})
}

// handleChange drops the cached results of set and refreshes the views that
// are showing it.
func (s *FeedService) handleChange(set CandidateSet, ev ChangeEvent) {
	s.recorder.ChangeReceived(ev.Table, string(ev.Operation))
	dropped := s.Invalidate(set)
	views := s.activeViews(set)

	s.logger.Info("change received",
		"set", set,
		"operation", ev.Operation,
		"record", ev.RecordID,
		"dropped", dropped,
		"active_views", len(views),
	)

	for _, v := range views {
		v.triggerRefresh()
	}
}

// attach registers v as active. Unless the service is started, the first
// view of a set subscribes to the change feed for it.
func (s *FeedService) attach(v *View) {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.active[v.set]
	if !ok {
		as = &activeSet{views: make(map[*View]struct{})}
		if _, started := s.listening[v.set]; s.changes != nil && !started {
			set := v.set
			unsubscribe, err := s.subscribe(set)
			if err != nil {
				s.logger.Warn("change feed subscribe failed, relying on staleness", "set", set, "error", err)
			} else {
				as.unsubscribe = unsubscribe
			}
		}
		s.active[v.set] = as
	}
	as.views[v] = struct{}{}
}

// detach removes v and releases the change feed subscription when it was the
// last view of its set.
func (s *FeedService) detach(v *View) {
	s.mu.Lock()
	as, ok := s.active[v.set]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(as.views, v)
	var unsubscribe func()
	if len(as.views) == 0 {
		delete(s.active, v.set)
		unsubscribe = as.unsubscribe
	}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *FeedService) activeViews(set CandidateSet) []*View {
	s.mu.Lock()
	defer s.mu.Unlock()

	as, ok := s.active[set]
	if !ok {
		return nil
	}
	views := make([]*View, 0, len(as.views))
	for v := range as.views {
		views = append(views, v)
	}
	return views
}

// ActiveViews returns the number of open views of set.
func (s *FeedService) ActiveViews(set CandidateSet) int {
	return len(s.activeViews(set))
}
