// Package antivirus wraps a clamd daemon behind the verdict model the
// pipeline consumes: clean, infected, or unknown when no conclusive answer
// could be obtained.
package antivirus

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	clamd "github.com/dutchcoders/go-clamd"
	"go.opentelemetry.io/otel"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/domain"
)

var tracer = otel.Tracer("antivirus")

// clamdClient is the slice of the clamd API the scanner uses.
type clamdClient interface {
	Ping() error
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

type Scanner struct {
	clam      clamdClient
	maxLength int64
	required  bool
}

func NewScanner(cfg config.Antivirus) *Scanner {
	s := &Scanner{
		maxLength: cfg.StreamMaxLength,
		required:  cfg.Required,
	}
	if cfg.ClamdAddr != "" {
		s.clam = clamd.NewClamd(cfg.ClamdAddr)
	}
	return s
}

// Enabled reports whether a daemon is configured.
func (s *Scanner) Enabled() bool {
	return s.clam != nil
}

// Required reports whether content must have a conclusive verdict before it
// is served.
func (s *Scanner) Required() bool {
	return s.required
}

// Ping checks daemon liveness.
func (s *Scanner) Ping(ctx context.Context) error {
	if s.clam == nil {
		return nil
	}
	return s.clam.Ping()
}

// Scan streams content to clamd. The verdict is unknown when no daemon is
// configured, the content exceeds the daemon's stream limit, or the daemon
// misbehaves; a response carrying no result at all counts as infected.
// Scan failures are reported for logging but are not errors the caller
// should fail on.
func (s *Scanner) Scan(ctx context.Context, content []byte) (domain.Verdict, string) {
	_, span := tracer.Start(ctx, "Scanner.Scan")
	defer span.End()

	if s.clam == nil {
		return domain.VerdictUnknown, ""
	}
	if int64(len(content)) > s.maxLength {
		slog.Warn("content exceeds clamd stream limit, skipping scan",
			slog.Int("size", len(content)), slog.Int64("limit", s.maxLength))
		return domain.VerdictUnknown, ""
	}

	abort := make(chan bool)
	defer close(abort)
	results, err := s.clam.ScanStream(bytes.NewReader(content), abort)
	if err != nil {
		span.RecordError(err)
		slog.Error("clamd scan failed", slog.String("error", err.Error()))
		return domain.VerdictUnknown, ""
	}

	for result := range results {
		switch result.Status {
		case clamd.RES_OK:
			return domain.VerdictClean, ""
		case clamd.RES_FOUND:
			return domain.VerdictInfected, result.Description
		default:
			slog.Error("clamd returned an error status",
				slog.String("status", result.Status),
				slog.String("description", result.Description))
			return domain.VerdictUnknown, ""
		}
	}

	// The daemon answered but reported nothing about the stream. Truncated
	// scans are treated as infected: the daemon may have died mid-content.
	slog.Error("clamd closed the scan stream without a result")
	return domain.VerdictInfected, ""
}
