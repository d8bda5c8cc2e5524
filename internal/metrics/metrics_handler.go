package metrics

import (
	"sync"
	"time"

	"tickflow/logger"
)

// Metric is one structured metric event as seen by subscribers.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a subscription. Zero is never issued.
type MetricHandlerID uint64

type subscription struct {
	id      MetricHandlerID
	handler MetricHandler
}

// bus fans metric events out to subscribers in registration order.
type bus struct {
	mu     sync.RWMutex
	lastID MetricHandlerID
	subs   []subscription
}

var events = &bus{}

func (b *bus) subscribe(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastID++
	b.subs = append(b.subs, subscription{id: b.lastID, handler: h})
	return b.lastID
}

func (b *bus) unsubscribe(id MetricHandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// publish calls handlers outside the lock so a handler may unsubscribe.
func (b *bus) publish(m Metric) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(m)
	}
}

func (b *bus) reset() {
	b.mu.Lock()
	b.subs = nil
	b.lastID = 0
	b.mu.Unlock()
}

// RegisterMetricHandler subscribes h to every emitted metric. A nil h is
// ignored and yields 0.
func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	return events.subscribe(h)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		events.unsubscribe(id)
	}
}

// recordMetric builds the event, writes it to the debug log and publishes
// it. It reports false for an unnamed metric.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" {
		return Metric{}, false
	}
	if log == nil {
		log = logger.GetLogger()
	}
	m := Metric{
		Timestamp: timeNow(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    make(logger.Fields, len(fields)),
	}
	if m.Type == "" {
		m.Type = "counter"
	}
	for k, v := range fields {
		m.Fields[k] = v
	}

	log.WithComponent(component).WithFields(m.Fields).WithFields(logger.Fields{
		"metric":      m.Name,
		"metric_type": m.Type,
		"value":       m.Value,
	}).Debug("metric")

	events.publish(m)
	return m, true
}
