package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
)

// ErrClosed is returned by Subscribe and Publish after Close
var ErrClosed = errors.New("event service closed")

// Service is the in-process bus that carries ledger and queue events to the
// orchestrator wake-up, the websocket and the log.
type Service struct {
	mu       sync.RWMutex
	handlers map[interfaces.EventType][]interfaces.EventHandler
	closed   bool
	logger   arbor.ILogger
}

// NewService creates a bus with the log subscriber already attached
func NewService(logger arbor.ILogger) interfaces.EventService {
	s := &Service{
		handlers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:   logger,
	}
	if err := SubscribeLoggerToAllEvents(s, logger); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe logger to events")
	}
	return s
}

func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", eventType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	return nil
}

// snapshot copies the handlers so delivery runs without the lock
func (s *Service) snapshot(eventType interfaces.EventType) ([]interfaces.EventHandler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return append([]interfaces.EventHandler(nil), s.handlers[eventType]...), nil
}

// Publish hands the event to each handler on its own goroutine and returns at once
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.snapshot(event.Type)
	if err != nil {
		return err
	}
	for _, h := range handlers {
		common.SafeGo(s.logger, "event:"+string(event.Type), func() {
			s.deliver(ctx, h, event)
		})
	}
	return nil
}

// PublishSync delivers to every handler concurrently and returns their joined errors
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers, err := s.snapshot(event.Type)
	if err != nil {
		return err
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.deliver(ctx, h, event)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Service) deliver(ctx context.Context, h interfaces.EventHandler, event interfaces.Event) error {
	err := h(ctx, event)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Event handler failed")
		return fmt.Errorf("%s handler: %w", event.Type, err)
	}
	return nil
}

// Close drops every handler. Later publishes fail with ErrClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.handlers = nil
	s.logger.Info().Msg("Event service closed")
	return nil
}
