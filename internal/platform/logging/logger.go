// Package logging provides structured logging with trace/merchant context,
// adapted from the teacher repo's logrus-backed logger.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/r3e-network/acquiring-gateway/internal/platform/redaction"
)

type ContextKey string

const (
	TraceIDKey    ContextKey = "trace_id"
	MerchantIDKey ContextKey = "merchant_id"
	PaymentIDKey  ContextKey = "payment_id"
	ServiceKey    ContextKey = "service"
)

// Logger wraps logrus.Logger, redacting sensitive fields before they hit
// the sink.
type Logger struct {
	*logrus.Logger
	service  string
	redactor *redaction.Redactor
}

func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service, redactor: redaction.New()}
}

// NewFromEnv builds a logger from LOG_LEVEL / LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if merchantID := ctx.Value(MerchantIDKey); merchantID != nil {
		entry = entry.WithField("merchant_id", merchantID)
	}
	if paymentID := ctx.Value(PaymentIDKey); paymentID != nil {
		entry = entry.WithField("payment_id", paymentID)
	}
	return entry
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields(l.redactor.RedactMap(withService(fields, l.service))))
}

func withService(fields map[string]interface{}, service string) map[string]interface{} {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["service"] = service
	return out
}

func NewTraceID() string { return uuid.New().String() }

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithMerchantID(ctx context.Context, merchantID string) context.Context {
	return context.WithValue(ctx, MerchantIDKey, merchantID)
}

func WithPaymentID(ctx context.Context, paymentID string) context.Context {
	return context.WithValue(ctx, PaymentIDKey, paymentID)
}

// Structured domain helpers (replace the teacher's blockchain-specific ones).

// LogSagaStep logs the outcome of a single saga step execution.
func (l *Logger) LogSagaStep(ctx context.Context, sagaName, step string, executed bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"saga": sagaName,
		"step": step,
	})
	if err != nil {
		entry.WithError(err).Error("saga step failed")
		return
	}
	if executed {
		entry.Info("saga step executed")
	} else {
		entry.Info("saga step compensated")
	}
}

// LogPSPCall logs an outbound call to a payment service provider.
func (l *Logger) LogPSPCall(ctx context.Context, psp, operation string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"psp":         psp,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("PSP call failed")
	} else {
		entry.Info("PSP call succeeded")
	}
}

// LogWebhookAttempt logs one webhook delivery attempt.
func (l *Logger) LogWebhookAttempt(ctx context.Context, merchantID, deliveryID string, attempt int, status int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"merchant_id": merchantID,
		"delivery_id": deliveryID,
		"attempt":     attempt,
		"http_status": status,
	})
	if err != nil {
		entry.WithError(err).Warn("webhook delivery attempt failed")
	} else {
		entry.Info("webhook delivery attempt succeeded")
	}
}

// LogAudit records an audit-trail event (used heavily by the HSM key service).
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range l.redactor.RedactMap(details) {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

var defaultLogger *Logger

func InitDefault(service, level, format string) { defaultLogger = New(service, level, format) }

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", "info", "json")
	}
	return defaultLogger
}
