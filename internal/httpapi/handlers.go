package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modkit/eventbus/pkg/eventbus/dispatch"
	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/store"
	"github.com/modkit/eventbus/pkg/eventbus/subscription"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type publishRequest struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type" binding:"required"`
	SourceModuleID string          `json:"source_module_id" binding:"required"`
	Priority       string          `json:"priority"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id"`
	Payload        json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	cand := event.Candidate{
		EventID:        req.EventID,
		Type:           req.EventType,
		SourceModuleID: req.SourceModuleID,
		Priority:       event.Priority(req.Priority),
		CorrelationID:  req.CorrelationID,
		CausationID:    req.CausationID,
		Payload:        req.Payload,
	}

	evt, err := s.bus.Publish(c.Request.Context(), cand)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, evt)
}

func (s *Server) handleGetEvent(c *gin.Context) {
	evt, err := s.bus.Get(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, evt)
}

func (s *Server) handleQueryEvents(c *gin.Context) {
	filter := store.Filter{
		Type:           c.Query("event_type"),
		TypePrefix:     c.Query("event_type_prefix"),
		SourceModuleID: c.Query("source_module_id"),
		Priority:       event.Priority(c.Query("priority")),
		CorrelationID:  c.Query("correlation_id"),
	}

	if filter.Priority != "" && !filter.Priority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid priority: " + string(filter.Priority)})
		return
	}

	// start_time/end_time are the canonical names; since/until are kept
	// as aliases.
	var err error
	if filter.Since, err = parseTimeParam(firstNonEmpty(c.Query("start_time"), c.Query("since"))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time: " + err.Error()})
		return
	}
	if filter.Until, err = parseTimeParam(firstNonEmpty(c.Query("end_time"), c.Query("until"))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_time: " + err.Error()})
		return
	}

	page, pageSize, err := parsePaging(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order := store.OrderTimestampDesc
	switch c.Query("order") {
	case "", "timestamp":
	case "sequence":
		order = store.OrderSequenceAsc
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be timestamp or sequence"})
		return
	}

	events, total, err := s.bus.Query(c.Request.Context(), filter,
		store.Page{Offset: (page - 1) * pageSize, Limit: pageSize}, order)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"total_count": total,
		"page":        page,
		"page_size":   pageSize,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.bus.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleEventTypes lists the event types (and wildcard patterns) that have
// at least one active subscriber.
func (s *Server) handleEventTypes(c *gin.Context) {
	subs, err := s.bus.Subscriptions(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	seen := make(map[string]struct{})
	types := make([]string, 0, len(subs))
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if _, ok := seen[sub.EventType]; ok {
			continue
		}
		seen[sub.EventType] = struct{}{}
		types = append(types, sub.EventType)
	}
	sort.Strings(types)

	c.JSON(http.StatusOK, gin.H{"event_types": types})
}

type purgeRequest struct {
	OlderThan  time.Time `json:"older_than" binding:"required"`
	EventTypes []string  `json:"event_types"`
}

func (s *Server) handlePurge(c *gin.Context) {
	var req purgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	removed, err := s.bus.Purge(c.Request.Context(), req.OlderThan, req.EventTypes)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type subscribeRequest struct {
	EventType string                     `json:"event_type" binding:"required"`
	ModuleID  string                     `json:"module_id" binding:"required"`
	Transport subscription.TransportSpec `json:"transport" binding:"required"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	sub, err := s.bus.Subscribe(c.Request.Context(), subscription.Subscription{
		EventType: req.EventType,
		ModuleID:  req.ModuleID,
		Transport: req.Transport,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	subs, err := s.bus.Subscriptions(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	moduleID := c.Query("module_id")
	eventType := c.Query("event_type")
	filtered := make([]subscription.Subscription, 0, len(subs))
	for _, sub := range subs {
		if moduleID != "" && sub.ModuleID != moduleID {
			continue
		}
		if eventType != "" && sub.EventType != eventType {
			continue
		}
		filtered = append(filtered, sub)
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": filtered})
}

func (s *Server) handleGetSubscription(c *gin.Context) {
	sub, err := s.bus.GetSubscription(c.Request.Context(), c.Param("subscription_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) handleActivate(c *gin.Context) {
	if err := s.bus.Activate(c.Request.Context(), c.Param("subscription_id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) handleDeactivate(c *gin.Context) {
	if err := s.bus.Deactivate(c.Request.Context(), c.Param("subscription_id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "inactive"})
}

func (s *Server) handleListDeadLetters(c *gin.Context) {
	page, pageSize, err := parsePaging(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	letters, total, err := s.bus.DeadLetters(c.Request.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if letters == nil {
		letters = []dispatch.DeadLetter{}
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letters": letters,
		"total_count":  total,
		"page":         page,
		"page_size":    pageSize,
	})
}

func (s *Server) handleRetryDeadLetter(c *gin.Context) {
	id := c.Param("dead_letter_id")
	if err := s.bus.RetryDeadLetter(c.Request.Context(), id); err != nil {
		if errors.Is(err, dispatch.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		var delErr *event.DeliveryError
		if errors.As(err, &delErr) {
			// The subscriber failed again; the dead letter stays queued.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "redelivered"})
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		vErr     *event.ValidationError
		cycleErr *event.CausationCycleError
		modErr   *event.UnknownModuleError
		persErr  *event.PersistenceError
	)

	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.As(err, &cycleErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": cycleErr.Error()})
	case errors.As(err, &modErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": modErr.Error()})
	case errors.Is(err, event.ErrNotFound), errors.Is(err, subscription.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &persErr):
		s.logInternal(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
	default:
		s.logInternal(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) logInternal(err error) {
	if s.logger != nil {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parsePaging(c *gin.Context) (page, pageSize int, err error) {
	page = 1
	pageSize = defaultPageSize

	if v := c.Query("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be a positive integer")
		}
	}
	if v := c.Query("page_size"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil || pageSize < 1 {
			return 0, 0, errors.New("page_size must be a positive integer")
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
	}
	return page, pageSize, nil
}
