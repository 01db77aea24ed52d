package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Sink is an append-only destination for audit batches. A nil error
// acknowledges the whole batch; the pipeline retries unacknowledged batches.
type Sink interface {
	WriteBatch(ctx context.Context, batch []*Event) error
	Close() error
}

// FileSinkConfig configures the rotating file sink.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileSink appends one JSON line per event to a rotating log file.
type FileSink struct {
	logger  *zap.Logger
	rotator *lumberjack.Logger
}

// NewFileSink creates the sink. The underlying file rotates by size and age.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit file sink requires a path")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	return &FileSink{
		logger:  zap.New(core),
		rotator: rotator,
	}, nil
}

// WriteBatch implements Sink. A marshal failure on a single event is
// reported; the pipeline will retry and tee the batch to the fallback.
func (s *FileSink) WriteBatch(ctx context.Context, batch []*Event) error {
	for _, e := range batch {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event %d: %w", e.ID, err)
		}
		s.logger.Info(string(raw),
			zap.Uint64("id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("principal", e.Principal),
		)
	}
	return s.logger.Sync()
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	_ = s.logger.Sync()
	return s.rotator.Close()
}
