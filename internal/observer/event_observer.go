package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is something worth logging or counting that happened in the service
type Event struct {
	EventType      EventType              `json:"event_type"`
	Timestamp      time.Time              `json:"timestamp"`
	Subject        string                 `json:"subject"`
	ProcessingTime time.Duration          `json:"processing_time"`
	Success        bool                   `json:"success"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// EventType represents the type of event
type EventType string

const (
	// DetectionStarted when a two-stage detection begins
	DetectionStarted EventType = "detection_started"
	// DetectionCompleted when a verdict was produced
	DetectionCompleted EventType = "detection_completed"
	// DetectionFailed when a stage failed
	DetectionFailed EventType = "detection_failed"

	// PreparationItemFailed when one dataset item could not be processed
	PreparationItemFailed EventType = "preparation_item_failed"
	// PreparationCompleted when a dataset preparation run finished
	PreparationCompleted EventType = "preparation_completed"

	// TrainingStarted when a training job enters running
	TrainingStarted EventType = "training_started"
	// TrainingEpoch at every epoch boundary
	TrainingEpoch EventType = "training_epoch"
	// TrainingCompleted when a job reaches done
	TrainingCompleted EventType = "training_completed"
	// TrainingFailed when a job reaches error
	TrainingFailed EventType = "training_failed"
	// TrainingStopped when a job reaches stopped
	TrainingStopped EventType = "training_stopped"

	// ModelSwapped when the active classifier changed
	ModelSwapped EventType = "model_swapped"
)

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event Event)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event Event)
}

// LoggingObserver logs events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event Event) {
	fields := logrus.Fields{
		"event_type":      event.EventType,
		"subject":         event.Subject,
		"processing_time": event.ProcessingTime,
		"success":         event.Success,
	}

	if event.ErrorMessage != "" {
		fields["error"] = event.ErrorMessage
	}

	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case DetectionStarted, TrainingEpoch:
		entry.Debug("Event occurred")
	case DetectionCompleted:
		entry.Info("Detection completed")
	case DetectionFailed:
		entry.Error("Detection failed")
	case PreparationItemFailed:
		entry.Warn("Dataset item failed")
	case PreparationCompleted:
		entry.Info("Dataset preparation completed")
	case TrainingStarted:
		entry.Info("Training started")
	case TrainingCompleted:
		entry.Info("Training completed")
	case TrainingFailed:
		entry.Error("Training failed")
	case TrainingStopped:
		entry.Warn("Training stopped")
	case ModelSwapped:
		entry.Info("Active model swapped")
	default:
		entry.Info("Event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// MetricsObserver collects counters from events
type MetricsObserver struct {
	mu                  sync.RWMutex
	totalDetections     int64
	failedDetections    int64
	completedDetections int64
	totalProcessingTime time.Duration
	preparationRuns     int64
	preparationFailures int64
	trainingByOutcome   map[EventType]int64
	modelSwaps          int64
}

// NewMetricsObserver creates a new metrics observer
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{trainingByOutcome: make(map[EventType]int64)}
}

// OnEvent handles events by collecting metrics
func (o *MetricsObserver) OnEvent(ctx context.Context, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event.EventType {
	case DetectionStarted:
		o.totalDetections++
	case DetectionCompleted:
		o.completedDetections++
		o.totalProcessingTime += event.ProcessingTime
	case DetectionFailed:
		o.failedDetections++
	case PreparationItemFailed:
		o.preparationFailures++
	case PreparationCompleted:
		o.preparationRuns++
	case TrainingStarted, TrainingCompleted, TrainingFailed, TrainingStopped:
		o.trainingByOutcome[event.EventType]++
	case ModelSwapped:
		o.modelSwaps++
	}
}

// GetObserverName returns the observer name
func (o *MetricsObserver) GetObserverName() string {
	return "metrics_observer"
}

// GetMetrics returns current metrics
func (o *MetricsObserver) GetMetrics() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()

	avgProcessingTime := time.Duration(0)
	if o.completedDetections > 0 {
		avgProcessingTime = o.totalProcessingTime / time.Duration(o.completedDetections)
	}

	return map[string]interface{}{
		"total_detections":          o.totalDetections,
		"completed_detections":      o.completedDetections,
		"failed_detections":         o.failedDetections,
		"avg_processing_time":       avgProcessingTime.String(),
		"preparation_runs":          o.preparationRuns,
		"preparation_item_failures": o.preparationFailures,
		"training_jobs_started":     o.trainingByOutcome[TrainingStarted],
		"training_jobs_completed":   o.trainingByOutcome[TrainingCompleted],
		"training_jobs_failed":      o.trainingByOutcome[TrainingFailed],
		"training_jobs_stopped":     o.trainingByOutcome[TrainingStopped],
		"model_swaps":               o.modelSwaps,
	}
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers notifies all observers of an event
func (p *EventPublisher) NotifyObservers(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	// Notify observers concurrently
	for _, observer := range observers {
		go func(obs Observer) {
			defer func() {
				if r := recover(); r != nil {
					// Log panic but don't crash the application
					logrus.WithField("observer", obs.GetObserverName()).
						WithField("panic", r).
						Error("Observer panicked while handling event")
				}
			}()
			obs.OnEvent(ctx, event)
		}(observer)
	}
}

// Publish is a nil-safe helper for components with an optional publisher
func Publish(ctx context.Context, s Subject, event Event) {
	if s == nil {
		return
	}
	s.NotifyObservers(ctx, event)
}
