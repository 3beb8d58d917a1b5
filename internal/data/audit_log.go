package data

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/model"
	dberrors "MetaCrew/pkg/errors"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
)

// auditBuffer is the queue depth of each asynchronous audit sink.
const auditBuffer = 1000

// CompletionAuditLog is the GORM model for completion_audit_logs table
type CompletionAuditLog struct {
	ID             int64     `gorm:"primaryKey;column:id"`
	RequestID      string    `gorm:"column:request_id;type:varchar(64);index"`
	ConversationID string    `gorm:"column:conversation_id;type:varchar(64);index"`
	Model          string    `gorm:"column:model;type:varchar(191);not null;index"`
	Role           string    `gorm:"column:role;type:varchar(100)"`
	Status         int       `gorm:"column:status;not null"`
	Outcome        string    `gorm:"column:outcome;type:varchar(20);not null"`
	Attempt        int       `gorm:"column:attempt;not null"`
	LatencyMs      int64     `gorm:"column:latency_ms;not null"`
	Response       string    `gorm:"column:response;type:text"`
	Error          string    `gorm:"column:error;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (CompletionAuditLog) TableName() string {
	return "completion_audit_logs"
}

func newCompletionAuditLog(r *model.CompletionRecord) *CompletionAuditLog {
	return &CompletionAuditLog{
		RequestID:      r.RequestID,
		ConversationID: r.ConversationID,
		Model:          r.Model,
		Role:           r.Role,
		Status:         r.Status,
		Outcome:        r.Outcome,
		Attempt:        r.Attempt,
		LatencyMs:      r.LatencyMs,
		Response:       r.Response,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
	}
}

// AuditLoggerImpl writes completion records to MySQL from a background
// goroutine. Deadlocks and lock-wait timeouts are retried once.
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *CompletionAuditLog
	done    chan struct{}
	once    sync.Once
	logger  *pkglog.LogHelper
}

// NewAuditLoggerImpl creates a new database audit logger with async channel
func NewAuditLoggerImpl(db *gorm.DB, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *CompletionAuditLog, auditBuffer),
		done:    make(chan struct{}),
		logger:  pkglog.NewLogHelper(logger),
	}

	go al.start()

	return al
}

// start processes audit records from channel until Close.
func (a *AuditLoggerImpl) start() {
	defer close(a.done)
	for event := range a.logChan {
		a.write(event)
	}
}

func (a *AuditLoggerImpl) write(event *CompletionAuditLog) {
	ctx := context.Background()
	err := a.db.WithContext(ctx).Create(event).Error
	if err != nil && dberrors.IsRetryable(err) {
		time.Sleep(50 * time.Millisecond)
		event.ID = 0
		err = a.db.WithContext(ctx).Create(event).Error
	}
	if err != nil {
		a.logger.Warnw("failed to write audit log",
			"model", event.Model,
			"outcome", event.Outcome,
			"error_type", dberrors.ClassifyDBError(err).Type.String(),
			"error", err)
		return
	}
	a.logger.Database("audit log written",
		"model", event.Model,
		"outcome", event.Outcome)
}

// LogCompletion queues r (non-blocking). A full queue drops the record.
func (a *AuditLoggerImpl) LogCompletion(_ context.Context, r *model.CompletionRecord) {
	event := newCompletionAuditLog(r)
	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"model", event.Model,
			"outcome", event.Outcome)
	}
}

// Close stops accepting records and waits for the queue to drain.
func (a *AuditLoggerImpl) Close() {
	a.once.Do(func() { close(a.logChan) })
	<-a.done
}

// FileAuditLogger appends one JSON line per completion record to a rotating
// file.
type FileAuditLogger struct {
	out     *lumberjack.Logger
	logChan chan *model.CompletionRecord
	done    chan struct{}
	once    sync.Once
	logger  *pkglog.LogHelper
}

// NewFileAuditLogger opens path through lumberjack (100MB, 7 backups, 7 days).
func NewFileAuditLogger(path string, logger log.Logger) *FileAuditLogger {
	f := &FileAuditLogger{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   true,
		},
		logChan: make(chan *model.CompletionRecord, auditBuffer),
		done:    make(chan struct{}),
		logger:  pkglog.NewLogHelper(logger),
	}
	go f.start()
	return f
}

func (f *FileAuditLogger) start() {
	defer close(f.done)
	for r := range f.logChan {
		line, err := json.Marshal(r)
		if err != nil {
			f.logger.Errorw("failed to marshal audit record", "error", err)
			continue
		}
		if _, err := f.out.Write(append(line, '\n')); err != nil {
			f.logger.Warnw("failed to write audit file", "error", err)
		}
	}
}

// LogCompletion queues r (non-blocking).
func (f *FileAuditLogger) LogCompletion(_ context.Context, r *model.CompletionRecord) {
	select {
	case f.logChan <- r:
	default:
		f.logger.Warnw("audit file channel full, dropping event", "model", r.Model)
	}
}

// Close drains the queue and closes the file.
func (f *FileAuditLogger) Close() {
	f.once.Do(func() { close(f.logChan) })
	<-f.done
	_ = f.out.Close()
}

// usageTimeout bounds one usage counter update.
const usageTimeout = time.Second

// AuditLogger fans completion records out to the configured sinks and to
// the per-model usage counters. With no sink configured it only logs at
// debug level.
type AuditLogger struct {
	db     *AuditLoggerImpl
	file   *FileAuditLogger
	usage  *UsageRepo
	logger *pkglog.LogHelper
}

// NewAuditLogger enables the database sink when c.Database is set and db is
// available, and the file sink when c.FilePath is set. usage may be nil.
func NewAuditLogger(c *conf.Audit, db *gorm.DB, usage *UsageRepo, logger log.Logger) (*AuditLogger, func(), error) {
	a := &AuditLogger{usage: usage, logger: pkglog.NewLogHelper(logger)}
	if c != nil && c.Database {
		if db != nil {
			a.db = NewAuditLoggerImpl(db, logger)
		} else {
			a.logger.Warn("audit.database is set but MySQL is unavailable, database audit disabled")
		}
	}
	if c != nil && c.FilePath != "" {
		a.file = NewFileAuditLogger(c.FilePath, logger)
	}

	cleanup := func() {
		a.logger.Audit("flushing audit logs", "database", a.db != nil, "file", a.file != nil)
		if a.db != nil {
			a.db.Close()
		}
		if a.file != nil {
			a.file.Close()
		}
	}
	return a, cleanup, nil
}

// LogCompletion implements biz.AuditLogger.
func (a *AuditLogger) LogCompletion(ctx context.Context, r *model.CompletionRecord) {
	if a.usage != nil && a.usage.rdb != nil {
		go a.countUsage(r)
	}
	if a.db != nil {
		a.db.LogCompletion(ctx, r)
	}
	if a.file != nil {
		a.file.LogCompletion(ctx, r)
	}
	if a.db == nil && a.file == nil {
		a.logger.Debugw("completion attempt",
			"model", r.Model,
			"role", r.Role,
			"status", r.Status,
			"outcome", r.Outcome)
	}
}

func (a *AuditLogger) countUsage(r *model.CompletionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageTimeout)
	defer cancel()
	if err := a.usage.RecordAttempt(ctx, r); err != nil {
		a.logger.Warnw("failed to record model usage", "model", r.Model, "error", err)
	}
}
