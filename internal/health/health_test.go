package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return Status{Name: "slow", Healthy: true}
	})
	r.Register("fast", func(_ context.Context) Status { return Status{Healthy: true} })

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("timed-out checker should make the registry unhealthy")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("CheckAll should not wait for the slow checker")
	}
	if statuses[0].Name != "slow" || statuses[0].Detail != "check timed out" {
		t.Errorf("unexpected slow status: %+v", statuses[0])
	}
	if statuses[1].Name != "fast" {
		t.Errorf("empty name should default to registered name, got %q", statuses[1].Name)
	}
}

func TestBreakerChecker(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour}, nil)
	check := BreakerChecker(reg)

	reg.Get("analytics")
	if s := check(context.Background()); !s.Healthy {
		t.Fatalf("closed breakers should be healthy: %+v", s)
	}

	b := reg.Get("settlement:hedera-testnet")
	_ = b.Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	s := check(context.Background())
	if s.Healthy {
		t.Fatal("open breaker should be unhealthy")
	}
	if !strings.Contains(s.Detail, "settlement:hedera-testnet") {
		t.Errorf("detail should name the open breaker: %q", s.Detail)
	}
}

func TestFuncChecker(t *testing.T) {
	ok := FuncChecker("settler", func(context.Context) error { return nil })(context.Background())
	if !ok.Healthy || ok.Name != "settler" {
		t.Errorf("unexpected status: %+v", ok)
	}

	bad := FuncChecker("settler", func(context.Context) error { return errors.New("no route") })(context.Background())
	if bad.Healthy || bad.Detail != "no route" {
		t.Errorf("unexpected status: %+v", bad)
	}
}
