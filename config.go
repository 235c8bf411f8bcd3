package peerbridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Environment variables read by LoadConfig.
const (
	EnvOperationTimeout  = "PEERBRIDGE_OPERATION_TIMEOUT"
	EnvStatsTimeout      = "PEERBRIDGE_STATS_TIMEOUT"
	EnvCandidateBuffer   = "PEERBRIDGE_CANDIDATE_BUFFER"
	EnvTrackBuffer       = "PEERBRIDGE_TRACK_BUFFER"
	EnvStateBuffer       = "PEERBRIDGE_STATE_BUFFER"
	EnvEventBlockTimeout = "PEERBRIDGE_EVENT_BLOCK_TIMEOUT"
	EnvEncoderQueue      = "PEERBRIDGE_ENCODER_QUEUE"
	EnvLogLevel          = "PEERBRIDGE_LOG_LEVEL"
	EnvLogFormat         = "PEERBRIDGE_LOG_FORMAT"
)

// Config configures a Factory, its sessions and its encoder pool.
type Config struct {
	// Caller-side bound on offer/answer creation, description application
	// and candidate addition. 0 = no timeout.
	OperationTimeout time.Duration
	// Caller-side bound on stats retrieval. 0 = no timeout.
	StatsTimeout time.Duration

	CandidateBuffer   int           // ICE candidate queue (OverflowBlock)
	TrackBuffer       int           // Remote track queue (OverflowBlock)
	StateBuffer       int           // Connection state queue (OverflowDropOldest)
	KeyframeBuffer    int           // Keyframe request queue (OverflowDropNewest)
	EventBlockTimeout time.Duration // How long OverflowBlock may hold an engine goroutine

	EncoderQueueSize int            // Request queue per encoder controller
	EncoderFactory   EncoderFactory // nil = NewVideoEncoder

	Logger  zerolog.Logger
	Metrics *Metrics // nil = no metrics
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		OperationTimeout:  10 * time.Second,
		StatsTimeout:      5 * time.Second,
		CandidateBuffer:   64, // Host+srflx+relay bursts during gathering
		TrackBuffer:       16,
		StateBuffer:       8,
		KeyframeBuffer:    4,
		EventBlockTimeout: 250 * time.Millisecond,
		EncoderQueueSize:  32,
		Logger:            zerolog.Nop(),
	}
}

// LoadConfig loads .env files (".env" if none are given; missing files are
// ignored) and overlays PEERBRIDGE_* variables on DefaultConfig.
func LoadConfig(paths ...string) (Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", p, err)
		}
	}

	cfg := DefaultConfig()
	var errs []error
	durationEnv(EnvOperationTimeout, &cfg.OperationTimeout, &errs)
	durationEnv(EnvStatsTimeout, &cfg.StatsTimeout, &errs)
	durationEnv(EnvEventBlockTimeout, &cfg.EventBlockTimeout, &errs)
	intEnv(EnvCandidateBuffer, &cfg.CandidateBuffer, &errs)
	intEnv(EnvTrackBuffer, &cfg.TrackBuffer, &errs)
	intEnv(EnvStateBuffer, &cfg.StateBuffer, &errs)
	intEnv(EnvEncoderQueue, &cfg.EncoderQueueSize, &errs)
	if len(errs) > 0 {
		return Config{}, multierror.Append(nil, errs...)
	}

	cfg.Logger = NewLogger(GetEnv(EnvLogLevel, "info"), GetEnv(EnvLogFormat, "console"))
	return cfg, nil
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func durationEnv(key string, dst *time.Duration, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func intEnv(key string, dst *int, errs *[]error) {
	s := os.Getenv(key)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CandidateBuffer <= 0 {
		c.CandidateBuffer = d.CandidateBuffer
	}
	if c.TrackBuffer <= 0 {
		c.TrackBuffer = d.TrackBuffer
	}
	if c.StateBuffer <= 0 {
		c.StateBuffer = d.StateBuffer
	}
	if c.KeyframeBuffer <= 0 {
		c.KeyframeBuffer = d.KeyframeBuffer
	}
	if c.EncoderQueueSize <= 0 {
		c.EncoderQueueSize = d.EncoderQueueSize
	}
	if c.EncoderFactory == nil {
		c.EncoderFactory = NewVideoEncoder
	}
	return c
}
