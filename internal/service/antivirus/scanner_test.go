package antivirus

import (
	"context"
	"io"
	"testing"

	clamd "github.com/dutchcoders/go-clamd"

	"github.com/virelle/corpus/internal/config"
	"github.com/virelle/corpus/internal/domain"
)

// fakeClamd serves canned scan results without a daemon.
type fakeClamd struct {
	results []*clamd.ScanResult
}

func (f *fakeClamd) Ping() error { return nil }

func (f *fakeClamd) ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error) {
	ch := make(chan *clamd.ScanResult, len(f.results))
	for _, res := range f.results {
		ch <- res
	}
	close(ch)
	return ch, nil
}

func fakeScanner(results ...*clamd.ScanResult) *Scanner {
	return &Scanner{clam: &fakeClamd{results: results}, maxLength: 1 << 20}
}

func TestScanWithoutDaemonIsUnknown(t *testing.T) {
	s := NewScanner(config.Antivirus{})

	if s.Enabled() {
		t.Error("scanner without an address should not be enabled")
	}
	verdict, desc := s.Scan(context.Background(), []byte("content"))
	if verdict != domain.VerdictUnknown {
		t.Errorf("verdict = %v", verdict)
	}
	if desc != "" {
		t.Errorf("description = %q", desc)
	}
}

func TestScanOversizedContentIsUnknown(t *testing.T) {
	// The daemon is never dialed for oversized content, so a bogus
	// address is fine here.
	s := NewScanner(config.Antivirus{
		ClamdAddr:       "tcp://127.0.0.1:1",
		StreamMaxLength: 4,
	})

	verdict, _ := s.Scan(context.Background(), []byte("way past the limit"))
	if verdict != domain.VerdictUnknown {
		t.Errorf("verdict = %v", verdict)
	}
}

func TestScanVerdicts(t *testing.T) {
	ctx := context.Background()

	verdict, _ := fakeScanner(&clamd.ScanResult{Status: clamd.RES_OK}).Scan(ctx, []byte("x"))
	if verdict != domain.VerdictClean {
		t.Errorf("ok result should be clean, got %v", verdict)
	}

	verdict, desc := fakeScanner(&clamd.ScanResult{
		Status:      clamd.RES_FOUND,
		Description: "Eicar-Test-Signature",
	}).Scan(ctx, []byte("x"))
	if verdict != domain.VerdictInfected {
		t.Errorf("found result should be infected, got %v", verdict)
	}
	if desc != "Eicar-Test-Signature" {
		t.Errorf("description = %q", desc)
	}

	verdict, _ = fakeScanner(&clamd.ScanResult{Status: clamd.RES_ERROR}).Scan(ctx, []byte("x"))
	if verdict != domain.VerdictUnknown {
		t.Errorf("error status should be unknown, got %v", verdict)
	}
}

func TestScanEmptyResponseIsInfected(t *testing.T) {
	// A daemon that closes the stream without any result may have died on
	// the content; that is not a verdict to wave through.
	verdict, _ := fakeScanner().Scan(context.Background(), []byte("x"))
	if verdict != domain.VerdictInfected {
		t.Errorf("empty response should be infected, got %v", verdict)
	}
}

func TestRequiredFollowsConfig(t *testing.T) {
	if NewScanner(config.Antivirus{}).Required() {
		t.Error("default scanner should not require verdicts")
	}
	if !NewScanner(config.Antivirus{Required: true}).Required() {
		t.Error("required flag lost")
	}
}

func TestPingWithoutDaemon(t *testing.T) {
	if err := NewScanner(config.Antivirus{}).Ping(context.Background()); err != nil {
		t.Errorf("ping without a daemon should succeed: %v", err)
	}
}
