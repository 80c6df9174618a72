package health

import (
	"context"
	"errors"
	"testing"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("rail", func(ctx context.Context) Status {
		return Status{Name: "rail", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected healthy aggregate")
	}
	if len(statuses) != 2 {
		t.Errorf("got %d statuses, want 2", len(statuses))
	}
}

func TestRegistry_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("rail", func(ctx context.Context) Status {
		return Status{Name: "rail", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("expected degraded aggregate")
	}
	found := false
	for _, s := range statuses {
		if s.Name == "rail" && !s.Healthy && s.Detail != "" {
			found = true
		}
	}
	if !found {
		t.Error("unhealthy status not reported with detail")
	}
}

func TestDBChecker(t *testing.T) {
	ok := DBChecker("db", func(ctx context.Context) error { return nil })
	if s := ok(context.Background()); !s.Healthy {
		t.Error("expected healthy")
	}

	bad := DBChecker("db", func(ctx context.Context) error { return errors.New("down") })
	if s := bad(context.Background()); s.Healthy || s.Detail != "down" {
		t.Errorf("got %+v", s)
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Errorf("empty registry: healthy=%v statuses=%d", healthy, len(statuses))
	}
}
