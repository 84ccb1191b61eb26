package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veracare/phi-core/pkg/config"
	"github.com/veracare/phi-core/pkg/logger"
)

// AlertType classifies a compliance alert
type AlertType string

const (
	AlertFailedLogins AlertType = "failed_login_threshold"
	AlertBulkExport   AlertType = "bulk_export_detected"
	AlertExcessivePHI AlertType = "excessive_phi_access"
	AlertAfterHours   AlertType = "after_hours_phi_access"
)

// Alert is raised when an actor's activity crosses a configured threshold
type Alert struct {
	ID             string                 `json:"id"`
	Type           AlertType              `json:"type"`
	Severity       Severity               `json:"severity"`
	ActorID        string                 `json:"actor_id"`
	RelatedEventID string                 `json:"related_event_id"`
	Message        string                 `json:"message"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// actorWindow holds the sliding-window samples for one actor. Counters are
// in-memory with a bounded TTL; replicas may hold divergent windows without
// affecting chain correctness.
type actorWindow struct {
	failedLogins []time.Time
	phiAccesses  []time.Time
	exports      []exportSample
	lastSeen     time.Time
}

type exportSample struct {
	at    time.Time
	bytes int64
}

// Monitor tails the audit log and raises alerts when per-actor sliding
// windows cross configured thresholds. It is a pure consumer: it never
// mutates past events and can be rebuilt from any checkpoint by replay.
type Monitor struct {
	cfg   *config.MonitorConfig
	log   *logger.Logger
	audit *Logger

	mu     sync.Mutex
	actors map[string]*actorWindow

	alertQueue    chan *Alert
	stopChan      chan struct{}
	wg            sync.WaitGroup
	cleanupTicker *time.Ticker
}

// NewMonitor creates a compliance monitor. Pass the audit logger so alert
// emissions are themselves recorded as audit events.
func NewMonitor(cfg *config.MonitorConfig, log *logger.Logger, audit *Logger) *Monitor {
	return &Monitor{
		cfg:        cfg,
		log:        log,
		audit:      audit,
		actors:     make(map[string]*actorWindow),
		alertQueue: make(chan *Alert, 256),
		stopChan:   make(chan struct{}),
	}
}

// Start subscribes to the audit logger and launches the alert emission
// worker and the window cleanup routine
func (m *Monitor) Start(ctx context.Context) {
	m.log.Info("Starting compliance monitor")

	m.audit.Subscribe(func(event *AuditEvent) {
		if alert := m.OnEvent(event); alert != nil {
			select {
			case m.alertQueue <- alert:
			default:
				m.log.WithField("alert_type", alert.Type).
					Warn("Alert queue full, alert logged but not recorded")
			}
		}
	})

	m.cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)

	m.wg.Add(2)
	go m.emitLoop(ctx)
	go m.cleanupLoop()
}

// Stop shuts down the monitor workers
func (m *Monitor) Stop() {
	m.log.Info("Stopping compliance monitor")
	if m.cleanupTicker != nil {
		m.cleanupTicker.Stop()
	}
	close(m.stopChan)
	m.wg.Wait()
}

// OnEvent feeds one event through the sliding windows and returns an alert
// when a threshold is crossed. Alert events themselves are skipped so
// recording an alert cannot trigger another one.
func (m *Monitor) OnEvent(event *AuditEvent) *Alert {
	if event.EventType == EventSecurityAlert {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.actors[event.ActorID]
	if w == nil {
		w = &actorWindow{}
		m.actors[event.ActorID] = w
	}
	w.lastSeen = event.Timestamp

	switch event.EventType {
	case EventAuthFailure:
		w.failedLogins = appendPruned(w.failedLogins, event.Timestamp, m.cfg.FailedLoginWindow)
		if len(w.failedLogins) >= m.cfg.FailedLoginThreshold {
			return m.newAlert(AlertFailedLogins, SeverityHigh, event,
				fmt.Sprintf("%d failed logins within %s", len(w.failedLogins), m.cfg.FailedLoginWindow),
				map[string]interface{}{"count": len(w.failedLogins)})
		}

	case EventAuthSuccess:
		// A successful login resets the consecutive-failure window
		w.failedLogins = nil

	case EventPHIAccessed:
		w.phiAccesses = appendPruned(w.phiAccesses, event.Timestamp, m.cfg.PHIAccessWindow)
		if len(w.phiAccesses) >= m.cfg.PHIAccessThreshold {
			return m.newAlert(AlertExcessivePHI, SeverityMedium, event,
				fmt.Sprintf("%d PHI accesses within %s", len(w.phiAccesses), m.cfg.PHIAccessWindow),
				map[string]interface{}{"count": len(w.phiAccesses)})
		}
		if m.cfg.AfterHoursAlerts && m.afterHours(event.Timestamp) {
			return m.newAlert(AlertAfterHours, SeverityMedium, event,
				fmt.Sprintf("PHI accessed at %s, outside business hours", event.Timestamp.UTC().Format("15:04")),
				map[string]interface{}{"hour": event.Timestamp.UTC().Hour()})
		}

	case EventPHIExport:
		bytes := exportBytes(event)
		cutoff := event.Timestamp.Add(-m.cfg.ExportBytesWindow)
		pruned := w.exports[:0]
		var total int64
		for _, s := range w.exports {
			if s.at.After(cutoff) {
				pruned = append(pruned, s)
				total += s.bytes
			}
		}
		w.exports = append(pruned, exportSample{at: event.Timestamp, bytes: bytes})
		total += bytes

		if total >= m.cfg.ExportBytesThreshold {
			return m.newAlert(AlertBulkExport, SeverityCritical, event,
				fmt.Sprintf("%d bytes exported within %s", total, m.cfg.ExportBytesWindow),
				map[string]interface{}{"total_bytes": total})
		}
	}

	return nil
}

// Rebuild replays the audit log from the given sequence through the
// sliding windows without emitting alerts, reconstructing counter state
// after a restart
func (m *Monitor) Rebuild(ctx context.Context, fromSequence uint64) error {
	m.mu.Lock()
	m.actors = make(map[string]*actorWindow)
	m.mu.Unlock()

	stream, err := m.audit.Replay(ctx, &Filter{FromSequence: fromSequence})
	if err != nil {
		return err
	}

	count := 0
	for event := range stream.Events() {
		m.OnEvent(event)
		count++
	}
	// A truncated replay would leave the windows under-counted
	if err := stream.Err(); err != nil {
		return err
	}

	m.log.WithFields(map[string]interface{}{
		"from_sequence": fromSequence,
		"events":        count,
	}).Info("Compliance monitor rebuilt from audit log")
	return nil
}

func (m *Monitor) newAlert(alertType AlertType, severity Severity, event *AuditEvent, message string, details map[string]interface{}) *Alert {
	m.log.Security(string(alertType), event.ActorID, details)
	return &Alert{
		ID:             uuid.New().String(),
		Type:           alertType,
		Severity:       severity,
		ActorID:        event.ActorID,
		RelatedEventID: event.EventID,
		Message:        message,
		Timestamp:      time.Now().UTC(),
		Details:        details,
	}
}

// emitLoop records each raised alert as a SECURITY_ALERT audit event, so
// the alerting action is itself part of the tamper-evident trail
func (m *Monitor) emitLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case alert := <-m.alertQueue:
			draft := &DraftEvent{
				EventID:   alert.ID,
				EventType: EventSecurityAlert,
				ActorID:   alert.ActorID,
				Message:   alert.Message,
				Details: map[string]interface{}{
					"alert_type":       string(alert.Type),
					"related_event_id": alert.RelatedEventID,
				},
				DataClassification: ClassificationConfidential,
				Severity:           alert.Severity,
			}
			if _, err := m.audit.Append(ctx, draft); err != nil {
				m.log.WithError(err).WithField("alert_type", alert.Type).
					Error("Failed to record compliance alert in audit log")
			}
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) cleanupLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanupStaleWindows()
		case <-m.stopChan:
			return
		}
	}
}

// cleanupStaleWindows drops actors idle beyond the counter TTL
func (m *Monitor) cleanupStaleWindows() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.CounterTTL)
	removed := 0
	for actorID, w := range m.actors {
		if w.lastSeen.Before(cutoff) {
			delete(m.actors, actorID)
			removed++
		}
	}
	if removed > 0 {
		m.log.WithField("removed", removed).Debug("Pruned stale actor windows")
	}
}

// afterHours reports whether the timestamp falls outside business hours.
// Hours are evaluated in UTC; deployments spanning timezones configure the
// window for their primary site.
func (m *Monitor) afterHours(at time.Time) bool {
	hour := at.UTC().Hour()
	return hour < m.cfg.BusinessHoursStart || hour >= m.cfg.BusinessHoursEnd
}

// appendPruned adds a sample and drops entries older than the window
func appendPruned(samples []time.Time, at time.Time, window time.Duration) []time.Time {
	cutoff := at.Add(-window)
	pruned := samples[:0]
	for _, t := range samples {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return append(pruned, at)
}

// exportBytes extracts the exported byte count from event details
func exportBytes(event *AuditEvent) int64 {
	if event.Details == nil {
		return 0
	}
	switch v := event.Details["bytes"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
