package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/runrecorder/internal/store"
)

// DefaultListLimit is the page size used when List is given none.
const DefaultListLimit = 200

// CreatePolicy decides what Create does with a tag that already has a limit.
type CreatePolicy string

const (
	// PolicyError rejects the duplicate with store.ErrAlreadyExists.
	PolicyError CreatePolicy = "error"
	// PolicyUpsert updates the existing limit's capacity and keeps its slots.
	PolicyUpsert CreatePolicy = "upsert"
)

// ParseCreatePolicy parses a policy name. The empty string is PolicyError.
func ParseCreatePolicy(s string) (CreatePolicy, error) {
	switch CreatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyError:
		return PolicyError, nil
	case PolicyUpsert:
		return PolicyUpsert, nil
	default:
		return "", &ValidationError{Field: "policy", Message: fmt.Sprintf("unknown create policy %q (valid: error, upsert)", s)}
	}
}

// IncrementResult is the outcome of Increment. Acquired false is an
// admission denial, not an error; Blocking names the full limits.
type IncrementResult = store.IncrementResult

// LimitStore is the storage the service needs.
type LimitStore interface {
	CreateLimit(ctx context.Context, tag string, capacity int, update bool) (store.ConcurrencyLimit, bool, error)
	ReadLimitByTag(ctx context.Context, tag string) (store.ConcurrencyLimit, error)
	ListLimits(ctx context.Context, limit, offset int) ([]store.ConcurrencyLimit, error)
	ResetLimit(ctx context.Context, tag string, override []string) (store.ConcurrencyLimit, error)
	DeleteLimit(ctx context.Context, tag string) error
	IncrementSlots(ctx context.Context, tags []string, holder string) (store.IncrementResult, error)
	DecrementSlots(ctx context.Context, tags []string, holder string, occupancySeconds float64) ([]store.ConcurrencyLimit, []store.SlotRelease, error)
	ListSlotReleases(ctx context.Context, tag string, limit int) ([]store.SlotRelease, error)
}

// Service is the concurrency limit registry and slot accountant.
type Service struct {
	store   LimitStore
	policy  CreatePolicy
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCreatePolicy sets the duplicate-tag policy for Create.
func WithCreatePolicy(p CreatePolicy) Option {
	return func(s *Service) {
		if p != "" {
			s.policy = p
		}
	}
}

// WithMetrics reports slot activity to m.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service over st.
func NewService(st LimitStore, opts ...Option) *Service {
	s := &Service{
		store:  st,
		policy: PolicyError,
		tracer: otel.Tracer("github.com/roach88/runrecorder/internal/concurrency"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the configured create policy.
func (s *Service) Policy() CreatePolicy {
	return s.policy
}

// Create creates a limit of capacity slots for tag. The returned bool is
// false when an existing limit was updated under PolicyUpsert.
func (s *Service) Create(ctx context.Context, tag string, capacity int) (store.ConcurrencyLimit, bool, error) {
	tag, err := NormalizeTag(tag)
	if err != nil {
		return store.ConcurrencyLimit{}, false, err
	}
	if capacity <= 0 {
		return store.ConcurrencyLimit{}, false, &ValidationError{Field: "concurrency_limit", Message: "must be greater than 0"}
	}

	lim, created, err := s.store.CreateLimit(ctx, tag, capacity, s.policy == PolicyUpsert)
	if err != nil {
		return store.ConcurrencyLimit{}, false, err
	}
	s.logger.Info("concurrency limit saved",
		"tag", lim.Tag,
		"concurrency_limit", lim.ConcurrencyLimit,
		"created", created,
	)
	return lim, created, nil
}

// Read returns the limit for tag.
func (s *Service) Read(ctx context.Context, tag string) (store.ConcurrencyLimit, error) {
	tag, err := NormalizeTag(tag)
	if err != nil {
		return store.ConcurrencyLimit{}, err
	}
	lim, err := s.store.ReadLimitByTag(ctx, tag)
	return lim, translate(err)
}

// List returns limits ordered by creation. A limit <= 0 means
// DefaultListLimit.
func (s *Service) List(ctx context.Context, limit, offset int) ([]store.ConcurrencyLimit, error) {
	if offset < 0 {
		return nil, &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListLimits(ctx, limit, offset)
}

// Reset clears the slots of tag, or sets them to exactly slotOverride.
func (s *Service) Reset(ctx context.Context, tag string, slotOverride []string) (store.ConcurrencyLimit, error) {
	tag, err := NormalizeTag(tag)
	if err != nil {
		return store.ConcurrencyLimit{}, err
	}
	holders := make([]string, 0, len(slotOverride))
	for _, h := range slotOverride {
		h, err := normalizeHolder(h)
		if err != nil {
			return store.ConcurrencyLimit{}, err
		}
		holders = append(holders, h)
	}

	lim, err := s.store.ResetLimit(ctx, tag, holders)
	if err != nil {
		return store.ConcurrencyLimit{}, translate(err)
	}
	s.logger.Info("concurrency limit reset", "tag", lim.Tag, "active_slots", len(lim.ActiveSlots))
	return lim, nil
}

// Delete removes the limit for tag.
func (s *Service) Delete(ctx context.Context, tag string) error {
	tag, err := NormalizeTag(tag)
	if err != nil {
		return err
	}
	if err := s.store.DeleteLimit(ctx, tag); err != nil {
		return translate(err)
	}
	s.logger.Info("concurrency limit deleted", "tag", tag)
	return nil
}

// Increment takes a slot for holder in every limit named by tags, or in
// none of them.
func (s *Service) Increment(ctx context.Context, tags []string, holder string) (IncrementResult, error) {
	ctx, span := s.tracer.Start(ctx, "concurrency.Increment")
	defer span.End()

	tags, holder, err := normalizeRequest(tags, holder)
	if err != nil {
		return IncrementResult{}, err
	}
	span.SetAttributes(attribute.StringSlice("tags", tags), attribute.String("holder", holder))

	res, err := s.store.IncrementSlots(ctx, tags, holder)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment")
		return IncrementResult{}, translate(err)
	}

	if !res.Acquired {
		s.metrics.incIncrement("denied")
		span.SetAttributes(attribute.StringSlice("blocking", res.Blocking))
		s.logger.Info("concurrency slots unavailable",
			"tags", tags,
			"holder", holder,
			"blocking", res.Blocking,
			"event", "slots_unavailable",
		)
		return res, nil
	}
	s.metrics.incIncrement("acquired")
	s.logger.Debug("concurrency slots acquired", "tags", tags, "holder", holder)
	return res, nil
}

// Decrement releases holder's slot in every limit named by tags. A limit
// the holder does not occupy is unchanged. occupancySeconds is the caller's
// measure of how long the slot was held; it must not be negative.
func (s *Service) Decrement(ctx context.Context, tags []string, holder string, occupancySeconds float64) ([]store.ConcurrencyLimit, error) {
	ctx, span := s.tracer.Start(ctx, "concurrency.Decrement")
	defer span.End()

	tags, holder, err := normalizeRequest(tags, holder)
	if err != nil {
		return nil, err
	}
	if occupancySeconds < 0 || math.IsNaN(occupancySeconds) || math.IsInf(occupancySeconds, 0) {
		return nil, &ValidationError{Field: "occupancy_seconds", Message: "must be a non-negative number"}
	}
	span.SetAttributes(attribute.StringSlice("tags", tags), attribute.String("holder", holder))

	limits, releases, err := s.store.DecrementSlots(ctx, tags, holder, occupancySeconds)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrement")
		return nil, translate(err)
	}
	for _, rel := range releases {
		s.metrics.observeRelease(rel.Tag, rel.OccupancySeconds)
	}
	s.logger.Debug("concurrency slots released",
		"tags", tags,
		"holder", holder,
		"released", len(releases),
		"occupancy_seconds", occupancySeconds,
	)
	return limits, nil
}

// Releases returns the most recent slot releases recorded for tag.
func (s *Service) Releases(ctx context.Context, tag string, limit int) ([]store.SlotRelease, error) {
	tag, err := NormalizeTag(tag)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.store.ListSlotReleases(ctx, tag, limit)
}

// NormalizeTag trims tag and converts it to Unicode NFC.
func NormalizeTag(tag string) (string, error) {
	tag = norm.NFC.String(strings.TrimSpace(tag))
	if tag == "" {
		return "", &ValidationError{Field: "tag", Message: "must not be empty"}
	}
	return tag, nil
}

func normalizeHolder(holder string) (string, error) {
	holder = strings.TrimSpace(holder)
	if holder == "" {
		return "", &ValidationError{Field: "holder", Message: "must not be empty"}
	}
	return holder, nil
}

func normalizeRequest(tags []string, holder string) ([]string, string, error) {
	if len(tags) == 0 {
		return nil, "", &ValidationError{Field: "names", Message: "at least one tag is required"}
	}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag, err := NormalizeTag(tag)
		if err != nil {
			return nil, "", err
		}
		out = append(out, tag)
	}
	holder, err := normalizeHolder(holder)
	if err != nil {
		return nil, "", err
	}
	return out, holder, nil
}
