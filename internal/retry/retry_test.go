package retry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond}
}

func TestDo(t *testing.T) {
	errTransient := errors.New("broker unavailable")
	errRejected := errors.New("checkpoint rejected")

	tests := []struct {
		name      string
		cfg       Config
		failFor   int
		fail      error
		wantCalls int
		wantErr   error
	}{
		{"first try", fast(3), 0, nil, 1, nil},
		{"recovers", fast(3), 2, errTransient, 3, nil},
		{"exhausted", fast(3), 10, errTransient, 3, errTransient},
		{"permanent", fast(5), 10, Permanent(errRejected), 1, errRejected},
		{"single attempt", fast(1), 10, errTransient, 1, errTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []int
			err := Do(context.Background(), tt.cfg, func(attempt int) error {
				seen = append(seen, attempt)
				if attempt < tt.failFor {
					return tt.fail
				}
				return nil
			})
			if len(seen) != tt.wantCalls {
				t.Fatalf("attempts = %v, want %d calls", seen, tt.wantCalls)
			}
			for i, a := range seen {
				if a != i {
					t.Fatalf("attempts = %v, want sequential from 0", seen)
				}
			}
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil) != (err == nil) {
				t.Fatalf("Do() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	inner := errors.New("stored checkpoint: bad encoding")
	err := Do(context.Background(), fast(3), func(int) error { return Permanent(inner) })
	if err != inner {
		t.Fatalf("Do() error = %#v, want the inner error", err)
	}
	if IsPermanent(err) {
		t.Error("returned error should not carry the permanent mark")
	}
}

func TestDo_UnboundedUntilCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fast(0), func(int) error {
		calls++
		if calls == 5 {
			cancel()
		}
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("calls = %d, want 5", calls)
	}
}

func TestDo_CancelDuringWait(t *testing.T) {
	cfg := Config{MaxAttempts: 100, InitialInterval: time.Second, MaxInterval: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	last := errors.New("fail")
	err := Do(ctx, cfg, func(int) error { return last })
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, last) {
		t.Fatalf("expected deadline joined with last error, got %v", err)
	}
}

func TestDo_MaxElapsed(t *testing.T) {
	cfg := Config{InitialInterval: 20 * time.Millisecond, MaxInterval: 20 * time.Millisecond, MaxElapsed: 50 * time.Millisecond}
	calls := 0
	start := time.Now()
	err := Do(context.Background(), cfg, func(int) error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error once elapsed bound is reached")
	}
	if calls < 2 || calls > 3 {
		t.Errorf("calls = %d, want 2 or 3", calls)
	}
	if time.Since(start) > time.Second {
		t.Error("Do kept retrying past MaxElapsed")
	}
}

func TestPermanent(t *testing.T) {
	inner := errors.New("bad request")
	pe := Permanent(inner)
	if !errors.Is(pe, inner) || pe.Error() != "bad request" || !IsPermanent(pe) {
		t.Fatalf("Permanent() = %v", pe)
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(nil) || IsPermanent(inner) {
		t.Error("IsPermanent should be false for nil and plain errors")
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{InitialInterval: 100 * time.Millisecond, MaxInterval: 500 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{60, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConfig_BackoffJitter(t *testing.T) {
	cfg := Config{InitialInterval: 100 * time.Millisecond, MaxInterval: 10 * time.Second, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		if b := cfg.Backoff(0); b < 80*time.Millisecond || b > 120*time.Millisecond {
			t.Fatalf("Backoff(0) = %v, outside [80ms, 120ms]", b)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{MaxAttempts: 7, Jitter: 2}.WithDefaults()
	if cfg.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.MaxAttempts)
	}
	if cfg.InitialInterval != 200*time.Millisecond || cfg.MaxInterval != 30*time.Second || cfg.Jitter != 0.2 {
		t.Errorf("WithDefaults() = %+v", cfg)
	}

	long := Config{InitialInterval: time.Minute}.WithDefaults()
	if long.MaxInterval != time.Minute {
		t.Errorf("MaxInterval = %v, want it raised to the initial interval", long.MaxInterval)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero", Config{}, ""},
		{"defaults", DefaultConfig(), ""},
		{"negative interval", Config{InitialInterval: -time.Second}, "negative"},
		{"negative elapsed", Config{MaxElapsed: -time.Second}, "negative"},
		{"inverted", Config{InitialInterval: time.Second, MaxInterval: time.Millisecond}, "below initialInterval"},
		{"jitter", Config{Jitter: 1}, "jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
