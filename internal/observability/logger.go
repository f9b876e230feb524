package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithModel adds model_id context to the logger.
func (l *Logger) WithModel(modelID string) *Logger {
	return &Logger{logger: l.logger.With().Str("model_id", modelID).Logger()}
}

// WithRun adds a run_id correlating every log line emitted by one
// Download call, so concurrent runs for different models (or a retried
// run after a coordinator hiccup) don't interleave indistinguishably.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{logger: l.logger.With().Str("run_id", runID).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// DownloadStarted logs a download's start. Call on a logger already
// scoped via WithModel/WithRun.
func (l *Logger) DownloadStarted(totalChunks int, totalBytes int64) {
	l.logger.Info().
		Int("total_chunks", totalChunks).
		Int64("total_bytes", totalBytes).
		Msg("download started")
}

// ChunkFetched logs a successfully validated chunk.
func (l *Logger) ChunkFetched(chunkIndex int, size int64, attempt int) {
	l.logger.Debug().
		Int("chunk_index", chunkIndex).
		Int64("size", size).
		Int("attempt", attempt).
		Msg("chunk fetched")
}

// ChunkRetrying logs a recoverable chunk failure before retry.
func (l *Logger) ChunkRetrying(chunkIndex int, attempt int, err error) {
	l.logger.Warn().
		Int("chunk_index", chunkIndex).
		Int("attempt", attempt).
		Err(err).
		Msg("chunk fetch failed, retrying")
}

// DownloadCompleted logs successful finalization.
func (l *Logger) DownloadCompleted(totalBytes int64, duration time.Duration) {
	l.logger.Info().
		Int64("total_bytes", totalBytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("download completed")
}

// DownloadFailed logs a fatal engine error.
func (l *Logger) DownloadFailed(err error) {
	l.logger.Error().
		Err(err).
		Msg("download failed")
}

// JournalUnreadable logs a corrupt or unreadable journal being treated as
// absent, per the journal store's forward-compatibility policy.
func (l *Logger) JournalUnreadable(err error) {
	l.logger.Warn().
		Err(err).
		Msg("journal unreadable, treating as absent")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
