package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-escrow/internal/models"
)

type countingRouter struct {
	calls atomic.Int32
	err   error
}

func (c *countingRouter) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	c.calls.Add(1)
	if c.err != nil {
		return 0, c.err
	}
	return 420, nil
}

var (
	a = models.Coord{Lat: 12.9716, Lng: 77.5946}
	b = models.Coord{Lat: 12.9806, Lng: 77.5946}
)

func TestNaiveUsesDefaultSpeed(t *testing.T) {
	got := Naive(a, b, 0)
	// ~1 km at 8 m/s
	if math.Abs(got-125) > 2 {
		t.Fatalf("expected ~125s, got %.1f", got)
	}
}

func TestEstimatorCachesRoutedAnswers(t *testing.T) {
	r := &countingRouter{}
	e, err := NewEstimator(r, 8, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if got := e.Seconds(context.Background(), a, b); got != 420 {
			t.Fatalf("expected routed 420s, got %v", got)
		}
	}
	if n := r.calls.Load(); n != 1 {
		t.Fatalf("expected a single router call, got %d", n)
	}
}

func TestEstimatorFallsBackOnRouterError(t *testing.T) {
	e, err := NewEstimator(&countingRouter{err: errors.New("osrm down")}, 10, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := e.Seconds(context.Background(), a, b), Naive(a, b, 10); got != want {
		t.Fatalf("expected naive %v, got %v", want, got)
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":312.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(context.Background(), a, b)
	if err != nil || got != 312.5 {
		t.Fatalf("got %v, %v", got, err)
	}
	if want := "/route/v1/driving/77.594600,12.971600;77.594600,12.980600"; path != want {
		t.Fatalf("path %q, want %q", path, want)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), a, b); err == nil {
		t.Fatal("expected error")
	}
}
