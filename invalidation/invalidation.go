// Package invalidation coordinates cache invalidation across tiers. Write
// operations are reported as events; registered rules decide which cache
// handlers to notify, and entity relationships fan updates out to dependent
// entity types as cascade events.
package invalidation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingskit/go-cache/logger"
	"github.com/thingskit/go-cache/model"
)

// EventType classifies an invalidation event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventDeleted   EventType = "deleted"
	EventCompleted EventType = "completed"
	EventBulk      EventType = "bulk_operation"
	EventManual    EventType = "manual_invalidation"
	EventExpired   EventType = "expired"
	EventCascade   EventType = "cascade_invalidation"
)

// Operations carried by events the middleware generates itself.
const (
	OpManualInvalidation  = "manual_invalidation"
	OpCascadeInvalidation = "cascade_invalidation"
)

// Cache tier names used in rules, events and handler registration.
const (
	CacheL1 = "l1"
	CacheL2 = "l2"
	CacheL3 = "l3"
)

// Event describes one invalidation trigger. An empty AffectedCaches slice
// means every registered handler may act on it.
type Event struct {
	ID             uuid.UUID              `json:"event_id"`
	Type           EventType              `json:"event_type"`
	EntityType     string                 `json:"entity_type"`
	EntityID       *uuid.UUID             `json:"entity_id,omitempty"`
	Operation      string                 `json:"operation"`
	Timestamp      time.Time              `json:"timestamp"`
	AffectedCaches []string               `json:"affected_caches"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// StrategyKind selects how a matched rule reaches handlers.
type StrategyKind string

const (
	KindInvalidateAll       StrategyKind = "invalidate_all"
	KindInvalidateSpecific  StrategyKind = "invalidate_specific"
	KindInvalidateByEntity  StrategyKind = "invalidate_by_entity"
	KindInvalidateByPattern StrategyKind = "invalidate_by_pattern"
	KindCascade             StrategyKind = "cascade"
)

// Strategy is a StrategyKind plus its payload.
type Strategy struct {
	Kind       StrategyKind `json:"kind"`
	CacheTypes []string     `json:"cache_types,omitempty"`
	Pattern    string       `json:"pattern,omitempty"`
}

// InvalidateAll notifies every registered handler.
func InvalidateAll() Strategy {
	return Strategy{Kind: KindInvalidateAll}
}

// InvalidateSpecific notifies only the named cache tiers.
func InvalidateSpecific(cacheTypes ...string) Strategy {
	return Strategy{Kind: KindInvalidateSpecific, CacheTypes: cacheTypes}
}

// InvalidateByEntity notifies handlers only when the event names an entity.
func InvalidateByEntity() Strategy {
	return Strategy{Kind: KindInvalidateByEntity}
}

// InvalidateByPattern notifies handlers when the event's entity type or
// operation contains pattern.
func InvalidateByPattern(pattern string) Strategy {
	return Strategy{Kind: KindInvalidateByPattern, Pattern: pattern}
}

// Cascade fans the event out to dependent entity types.
func Cascade() Strategy {
	return Strategy{Kind: KindCascade}
}

// Rule maps events to an invalidation strategy. A rule applies when its
// entity type matches and its operation list is empty or contains the
// event's operation.
type Rule struct {
	ID          uuid.UUID `json:"rule_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EntityType  string    `json:"entity_type"`
	Operations  []string  `json:"operations"`
	CacheTypes  []string  `json:"cache_types"`
	Strategy    Strategy  `json:"strategy"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *Rule) matches(event Event) bool {
	if !r.Enabled || r.EntityType != event.EntityType {
		return false
	}
	if len(r.Operations) == 0 {
		return true
	}
	for _, op := range r.Operations {
		if op == event.Operation {
			return true
		}
	}
	return false
}

// Handler invalidates one cache tier in response to events.
type Handler interface {
	// Invalidate applies the event to the underlying cache.
	Invalidate(ctx context.Context, event Event) error
	// CacheType names the tier this handler serves.
	CacheType() string
	// CanHandle reports whether the event is addressed to this tier.
	CanHandle(event Event) bool
}

// Stats is a snapshot of middleware counters.
type Stats struct {
	TotalEvents             uint64        `json:"total_events"`
	SuccessfulInvalidations uint64        `json:"successful_invalidations"`
	FailedInvalidations     uint64        `json:"failed_invalidations"`
	CascadeInvalidations    uint64        `json:"cascade_invalidations"`
	ManualInvalidations     uint64        `json:"manual_invalidations"`
	ExpiredInvalidations    uint64        `json:"expired_invalidations"`
	AvgProcessingTime       time.Duration `json:"avg_processing_time"`
	LastInvalidation        *time.Time    `json:"last_invalidation,omitempty"`
}

type config struct {
	maxEvents      int
	eventRetention time.Duration
	enableCascade  bool
	cascadeDepth   int
	log            logger.Logger
}

// Option configures a Middleware.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxEvents:      10000,
		eventRetention: 24 * time.Hour,
		enableCascade:  true,
		cascadeDepth:   3,
		log:            logger.Nop(),
	}
}

// WithMaxEvents caps the event history length.
func WithMaxEvents(n int) Option {
	return func(c *config) { c.maxEvents = n }
}

// WithEventRetention sets how long events stay in the history.
func WithEventRetention(d time.Duration) Option {
	return func(c *config) { c.eventRetention = d }
}

// WithCascade enables or disables cascade invalidation.
func WithCascade(enabled bool) Option {
	return func(c *config) { c.enableCascade = enabled }
}

// WithCascadeDepth bounds how many cascade levels one event can trigger.
func WithCascadeDepth(n int) Option {
	return func(c *config) { c.cascadeDepth = n }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// Middleware routes invalidation events to cache handlers. It is safe for
// concurrent use.
type Middleware struct {
	cfg config
	log logger.Logger

	rulesMu sync.RWMutex
	rules   map[string]Rule

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	eventsMu sync.Mutex
	events   []Event

	statsMu   sync.Mutex
	stats     Stats
	totalTime time.Duration
}

// New returns a Middleware with no rules or handlers registered.
func New(opts ...Option) *Middleware {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Middleware{
		cfg:      cfg,
		log:      cfg.log,
		rules:    make(map[string]Rule),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler adds (or replaces) the handler for its cache type.
func (m *Middleware) RegisterHandler(h Handler) {
	m.handlersMu.Lock()
	m.handlers[h.CacheType()] = h
	m.handlersMu.Unlock()
}

// UnregisterHandler removes the handler for cacheType, reporting whether
// one was registered.
func (m *Middleware) UnregisterHandler(cacheType string) bool {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	_, ok := m.handlers[cacheType]
	delete(m.handlers, cacheType)
	return ok
}

// AddRule registers a rule keyed by its name, replacing any rule with the
// same name. Missing identifiers and timestamps are filled in.
func (m *Middleware) AddRule(rule Rule) {
	now := time.Now()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	m.rulesMu.Lock()
	m.rules[rule.Name] = rule
	m.rulesMu.Unlock()
}

// RemoveRule deletes the rule with the given name, reporting whether it
// existed.
func (m *Middleware) RemoveRule(name string) bool {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()
	_, ok := m.rules[name]
	delete(m.rules, name)
	return ok
}

// Rules returns the registered rules.
func (m *Middleware) Rules() []Rule {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	rules := make([]Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule)
	}
	return rules
}

// ProcessEvent records the event, applies every matching rule and fans out
// cascade events to dependent entity types.
func (m *Middleware) ProcessEvent(ctx context.Context, event Event) error {
	return m.process(ctx, event, 0)
}

func (m *Middleware) process(ctx context.Context, event Event, depth int) error {
	start := time.Now()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = start
	}
	m.storeEvent(event)

	for _, rule := range m.applicableRules(event) {
		if err := m.applyRule(ctx, event, rule, depth); err != nil {
			m.log.Warn("invalidation rule %s failed: %s", rule.Name, err)
			m.recordFailure()
		} else {
			m.recordSuccess()
		}
	}

	if m.cfg.enableCascade {
		if err := m.cascade(ctx, event, depth); err != nil {
			return err
		}
	}
	if event.Type == EventExpired {
		m.recordExpired()
	}
	m.recordEvent(time.Since(start))

	entity := "none"
	if event.EntityID != nil {
		entity = event.EntityID.String()
	}
	m.log.Debug("processed %s event for %s:%s", event.Type, event.EntityType, entity)
	return nil
}

// ManualInvalidate synthesizes and processes a manual invalidation event.
// A nil cacheTypes slice addresses every registered handler.
func (m *Middleware) ManualInvalidate(ctx context.Context, entityType string, entityID *uuid.UUID, cacheTypes []string) error {
	event := Event{
		ID:             uuid.New(),
		Type:           EventManual,
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      OpManualInvalidation,
		Timestamp:      time.Now(),
		AffectedCaches: cacheTypes,
	}
	if err := m.ProcessEvent(ctx, event); err != nil {
		return err
	}
	m.recordManual()
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (m *Middleware) RecentEvents(limit int) []Event {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out
}

// EventsByEntityType returns every stored event for the given entity type,
// oldest first.
func (m *Middleware) EventsByEntityType(entityType string) []Event {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	var out []Event
	for _, event := range m.events {
		if event.EntityType == entityType {
			out = append(out, event)
		}
	}
	return out
}

// Stats returns a snapshot of counters.
func (m *Middleware) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// ResetStats zeroes all counters.
func (m *Middleware) ResetStats() {
	m.statsMu.Lock()
	m.stats = Stats{}
	m.totalTime = 0
	m.statsMu.Unlock()
}

func (m *Middleware) storeEvent(event Event) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events = append(m.events, event)
	if excess := len(m.events) - m.cfg.maxEvents; excess > 0 {
		m.events = append(m.events[:0], m.events[excess:]...)
	}
	cutoff := time.Now().Add(-m.cfg.eventRetention)
	kept := m.events[:0]
	for _, e := range m.events {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.events = kept
}

func (m *Middleware) applicableRules(event Event) []Rule {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()
	var matched []Rule
	for _, rule := range m.rules {
		if rule.matches(event) {
			matched = append(matched, rule)
		}
	}
	return matched
}

func (m *Middleware) applyRule(ctx context.Context, event Event, rule Rule, depth int) error {
	switch rule.Strategy.Kind {
	case KindInvalidateAll:
		return m.invokeHandlers(ctx, event, nil)
	case KindInvalidateSpecific:
		return m.invokeHandlers(ctx, event, rule.Strategy.CacheTypes)
	case KindInvalidateByEntity:
		if event.EntityID == nil {
			return nil
		}
		return m.invokeHandlers(ctx, event, nil)
	case KindInvalidateByPattern:
		if !matchesPattern(event, rule.Strategy.Pattern) {
			return nil
		}
		return m.invokeHandlers(ctx, event, nil)
	case KindCascade:
		return m.cascade(ctx, event, depth)
	default:
		return fmt.Errorf("invalidation: unknown strategy %q", rule.Strategy.Kind)
	}
}

// invokeHandlers dispatches the event to registered handlers. A nil
// cacheTypes slice addresses every handler; either way a handler is only
// invoked when CanHandle accepts the event.
func (m *Middleware) invokeHandlers(ctx context.Context, event Event, cacheTypes []string) error {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	if cacheTypes == nil {
		for _, h := range m.handlers {
			if h.CanHandle(event) {
				if err := h.Invalidate(ctx, event); err != nil {
					return fmt.Errorf("invalidation: %s handler: %w", h.CacheType(), err)
				}
			}
		}
		return nil
	}
	for _, cacheType := range cacheTypes {
		h, ok := m.handlers[cacheType]
		if !ok || !h.CanHandle(event) {
			continue
		}
		if err := h.Invalidate(ctx, event); err != nil {
			return fmt.Errorf("invalidation: %s handler: %w", cacheType, err)
		}
	}
	return nil
}

// cascade processes one synthetic event per dependent entity type. Cascade
// events never carry an entity id, so they produce no further dependents.
func (m *Middleware) cascade(ctx context.Context, event Event, depth int) error {
	if depth >= m.cfg.cascadeDepth {
		return nil
	}
	for _, dep := range dependentEntities(event) {
		cascadeEvent := Event{
			ID:             uuid.New(),
			Type:           EventCascade,
			EntityType:     dep,
			Operation:      OpCascadeInvalidation,
			Timestamp:      time.Now(),
			AffectedCaches: []string{CacheL1, CacheL2},
		}
		if err := m.process(ctx, cascadeEvent, depth+1); err != nil {
			return err
		}
		m.recordCascade()
	}
	return nil
}

// dependentEntities lists the entity types whose caches an update can leave
// stale. Events without an entity id have no dependents.
func dependentEntities(event Event) []string {
	if event.EntityID == nil {
		return nil
	}
	switch event.EntityType {
	case model.EntityTask:
		return []string{model.EntityProject, model.EntityArea}
	case model.EntityProject:
		return []string{model.EntityTask}
	case model.EntityArea:
		return []string{model.EntityProject, model.EntityTask}
	}
	return nil
}

func matchesPattern(event Event, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(event.EntityType, pattern) || strings.Contains(event.Operation, pattern)
}

func (m *Middleware) recordSuccess() {
	m.statsMu.Lock()
	m.stats.SuccessfulInvalidations++
	now := time.Now()
	m.stats.LastInvalidation = &now
	m.statsMu.Unlock()
}

func (m *Middleware) recordFailure() {
	m.statsMu.Lock()
	m.stats.FailedInvalidations++
	m.statsMu.Unlock()
}

func (m *Middleware) recordCascade() {
	m.statsMu.Lock()
	m.stats.CascadeInvalidations++
	m.statsMu.Unlock()
}

func (m *Middleware) recordManual() {
	m.statsMu.Lock()
	m.stats.ManualInvalidations++
	m.statsMu.Unlock()
}

func (m *Middleware) recordExpired() {
	m.statsMu.Lock()
	m.stats.ExpiredInvalidations++
	m.statsMu.Unlock()
}

func (m *Middleware) recordEvent(elapsed time.Duration) {
	m.statsMu.Lock()
	m.stats.TotalEvents++
	m.totalTime += elapsed
	m.stats.AvgProcessingTime = m.totalTime / time.Duration(m.stats.TotalEvents)
	m.statsMu.Unlock()
}
