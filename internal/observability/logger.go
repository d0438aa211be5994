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

	return &Logger{
		logger: logger,
	}
}

// WithRequestID adds request_id context to logger.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("request_id", requestID).Logger(),
	}
}

// WithStorePath adds store path context to logger.
func (l *Logger) WithStorePath(storePathHash, storePath string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("store_path_hash", storePathHash).
			Str("store_path", storePath).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// UploadStarted logs the beginning of an upload-path request.
func (l *Logger) UploadStarted(storePathHash string, narSize int64, chunked bool) {
	l.logger.Info().
		Str("store_path_hash", storePathHash).
		Int64("nar_size", narSize).
		Bool("chunked", chunked).
		Msg("upload started")
}

// ChunkUploaded logs a single chunk landing in the storage backend.
func (l *Logger) ChunkUploaded(storePathHash string, chunkIndex int, fileSize int64) {
	l.logger.Debug().
		Str("store_path_hash", storePathHash).
		Int("chunk_index", chunkIndex).
		Int64("file_size", fileSize).
		Msg("chunk uploaded")
}

// UploadCompleted logs a successfully written manifest.
func (l *Logger) UploadCompleted(storePathHash string, narSize int64, numChunks int, duration time.Duration) {
	l.logger.Info().
		Str("store_path_hash", storePathHash).
		Int64("nar_size", narSize).
		Int("num_chunks", numChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("upload completed")
}

// UploadFailed logs an upload rejected or aborted mid-stream.
func (l *Logger) UploadFailed(storePathHash string, err error) {
	l.logger.Error().
		Str("store_path_hash", storePathHash).
		Err(err).
		Msg("upload failed")
}

// NarinfoServed logs a narinfo lookup.
func (l *Logger) NarinfoServed(storePathHash string, found bool) {
	l.logger.Debug().
		Str("store_path_hash", storePathHash).
		Bool("found", found).
		Msg("narinfo requested")
}

// NarServed logs a nar reassembly and stream.
func (l *Logger) NarServed(storePathHash string, narSize int64, numChunks int) {
	l.logger.Info().
		Str("store_path_hash", storePathHash).
		Int64("nar_size", narSize).
		Int("num_chunks", numChunks).
		Msg("nar served")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
