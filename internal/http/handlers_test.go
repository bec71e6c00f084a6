package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/drivers"
	"github.com/example/ride-escrow/internal/eta"
	"github.com/example/ride-escrow/internal/location"
	"github.com/example/ride-escrow/internal/matcher"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/payments"
	"github.com/example/ride-escrow/internal/rides"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

type testEnv struct {
	srv    *httptest.Server
	ledger *wallet.Ledger
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	fast := location.NewMemoryFastStore(time.Minute)
	resolver := location.NewResolver(fast, store.Locations(), nil)
	profiles, err := drivers.NewService(store.Drivers(), nil)
	if err != nil {
		t.Fatal(err)
	}
	est, err := eta.NewEstimator(nil, eta.DefaultSpeedMps, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	ledger := wallet.NewLedger(store, nil)
	s := NewServer(Deps{
		Locations: location.NewService(fast, location.NewMemoryBus(16, nil), nil),
		Drivers:   profiles,
		Rides:     rides.NewService(store, ledger, resolver, nil, rides.DefaultConfig(), nil),
		Matcher:   matcher.NewService(profiles, store.Rides(), resolver, est, 20, nil),
		Ledger:    ledger,
		Payments:  payments.NewService("", "", "inr", ledger, nil),
		Ready:     store.Ping,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, ledger: ledger}
}

func (e *testEnv) do(t *testing.T, method, path, body string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		if err := sonic.Unmarshal(b, out); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
	}
	return resp
}

func (e *testEnv) postRide(t *testing.T, total int) string {
	t.Helper()
	return e.postRideCodes(t, total).Ride.ID
}

func (e *testEnv) postRideCodes(t *testing.T, total int) rides.RideCodes {
	t.Helper()
	body := fmt.Sprintf(`{"posted_by":"poster","pickup":{"lat":12.9716,"lng":77.5946},"drop":{"lat":13.0,"lng":77.6},
		"vehicle_class":"sedan","pickup_at":%q,"total_amount":%d,"commission_amount":%d}`,
		time.Now().Add(2*time.Hour).UTC().Format(time.RFC3339), total, total/10)
	var res rides.RideCodes
	if resp := e.do(t, http.MethodPost, "/api/v1/rides", body, &res); resp.StatusCode != http.StatusCreated {
		t.Fatalf("post ride: status %d", resp.StatusCode)
	}
	return res
}

func (e *testEnv) fund(t *testing.T, driverID string, amount int64) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), driverID, wallet.Entry{Amount: decimal.NewFromInt(amount), Method: wallet.MethodRecharge}); err != nil {
		t.Fatal(err)
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)
	for _, p := range []string{"/healthz", "/ready"} {
		resp := e.do(t, http.MethodGet, p, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status %d", p, resp.StatusCode)
		}
		if resp.Header.Get(requestIDHeader) == "" {
			t.Fatalf("%s: missing request id header", p)
		}
	}
}

func TestAcceptReturnsStructuredFailures(t *testing.T) {
	e := newEnv(t)
	rideID := e.postRide(t, 1000)

	var body errorBody
	resp := e.do(t, http.MethodPost, "/api/v1/drivers/newbie/rides/"+rideID+"/accept", "", &body)
	if resp.StatusCode != http.StatusForbidden || body.Error != "wallet_empty" {
		t.Fatalf("expected 403 wallet_empty, got %d %+v", resp.StatusCode, body)
	}

	e.fund(t, "d1", 150)
	resp = e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/accept", "", &body)
	if resp.StatusCode != http.StatusForbidden || body.Error != "insufficient_funds" {
		t.Fatalf("expected 403 insufficient_funds, got %d %+v", resp.StatusCode, body)
	}
	if fmt.Sprint(body.Details["shortfall"]) != "50" {
		t.Fatalf("expected shortfall 50, got %v", body.Details)
	}
}

func TestConcurrentAcceptOverHTTP(t *testing.T) {
	e := newEnv(t)
	rideID := e.postRide(t, 1000)
	const n = 6
	for i := 0; i < n; i++ {
		e.fund(t, fmt.Sprintf("d%d", i), 1000)
	}
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/api/v1/drivers/d%d/rides/%s/accept", e.srv.URL, i, rideID), nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()
	ok, conflict := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != n-1 {
		t.Fatalf("expected 1 ok and %d conflicts, got %v", n-1, statuses)
	}

	var ride models.RideRequest
	e.do(t, http.MethodGet, "/api/v1/rides/"+rideID, "", &ride)
	var w wallet.Details
	e.do(t, http.MethodGet, "/api/v1/drivers/"+ride.DriverID+"/wallet", "", &w)
	if !w.LockedAmount.Equal(decimal.NewFromInt(200)) || !w.Balance.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("unexpected wallet %+v", w)
	}
}

func TestLocationValidationAndArrivalGate(t *testing.T) {
	e := newEnv(t)
	rideID := e.postRide(t, 1000)
	e.fund(t, "d1", 1000)
	if resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/accept", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", resp.StatusCode)
	}

	var body errorBody
	resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/location", `{"lat":12.9716}`, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "validation_failed" {
		t.Fatalf("expected validation error, got %d %+v", resp.StatusCode, body)
	}

	e.do(t, http.MethodPost, "/api/v1/drivers/d1/location", `{"lat":12.9816,"lng":77.5946}`, nil)
	resp = e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/reached", "", &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "too_far_from_pickup" {
		t.Fatalf("expected too far, got %d %+v", resp.StatusCode, body)
	}
	if _, ok := body.Details["distance_m"]; !ok {
		t.Fatalf("missing distance detail: %+v", body.Details)
	}

	e.do(t, http.MethodPost, "/api/v1/drivers/d1/location", `{"lat":12.9717,"lng":77.5946}`, nil)
	if resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/reached", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reached: %d", resp.StatusCode)
	}
	resp = e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/verify-otp", `{"otp":"not-it"}`, &body)
	if resp.StatusCode != http.StatusBadRequest || body.Error != "invalid_or_used_otp" {
		t.Fatalf("expected invalid otp, got %d %+v", resp.StatusCode, body)
	}
}

func TestOwnerCodesDriveTheTrip(t *testing.T) {
	e := newEnv(t)
	posted := e.postRideCodes(t, 1000)
	rideID := posted.Ride.ID
	if posted.StartOTP == "" || posted.EndOTP == "" {
		t.Fatalf("post response must carry both codes, got %+v", posted)
	}

	var raw map[string]any
	e.do(t, http.MethodGet, "/api/v1/rides/"+rideID, "", &raw)
	for _, k := range []string{"start_otp", "end_otp"} {
		if _, ok := raw[k]; ok {
			t.Fatalf("ride view leaks %s: %v", k, raw)
		}
	}

	var body errorBody
	resp := e.do(t, http.MethodGet, "/api/v1/rides/"+rideID+"/otp?requester_id=d1", "", &body)
	if resp.StatusCode != http.StatusForbidden || body.Error != "not_ride_owner" {
		t.Fatalf("expected 403 not_ride_owner, got %d %+v", resp.StatusCode, body)
	}
	var again rides.RideCodes
	if resp := e.do(t, http.MethodGet, "/api/v1/rides/"+rideID+"/otp?requester_id=poster", "", &again); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner codes: %d", resp.StatusCode)
	}
	if again.StartOTP != posted.StartOTP || again.EndOTP != posted.EndOTP {
		t.Fatalf("codes changed between reads: %+v vs %+v", again, posted)
	}

	e.fund(t, "d1", 1000)
	if resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/accept", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", resp.StatusCode)
	}
	e.do(t, http.MethodPost, "/api/v1/drivers/d1/location", `{"lat":12.9717,"lng":77.5946}`, nil)
	if resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/reached", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reached: %d", resp.StatusCode)
	}
	var ride models.RideRequest
	resp = e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/verify-otp", fmt.Sprintf(`{"otp":%q}`, posted.StartOTP), &ride)
	if resp.StatusCode != http.StatusOK || ride.Status != models.StatusTripStarted || !ride.OTPVerified {
		t.Fatalf("verify-otp: %d %+v", resp.StatusCode, ride)
	}

	e.do(t, http.MethodPost, "/api/v1/drivers/d1/location", `{"lat":13.0,"lng":77.6}`, nil)
	var done rides.CompleteResult
	resp = e.do(t, http.MethodPost, "/api/v1/drivers/d1/rides/"+rideID+"/complete", fmt.Sprintf(`{"end_otp":%q}`, posted.EndOTP), &done)
	if resp.StatusCode != http.StatusOK || done.Ride == nil || done.Ride.Status != models.StatusTripCompleted || !done.LockReleased {
		t.Fatalf("complete: %d %+v", resp.StatusCode, done)
	}
}

func TestNearbyAndProfile(t *testing.T) {
	e := newEnv(t)
	e.postRide(t, 500)
	if resp := e.do(t, http.MethodPut, "/api/v1/drivers/d1", `{"name":"Asha","vehicle_class":"sedan","push_token":"tok"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert: %d", resp.StatusCode)
	}
	var res matcher.Result
	if resp := e.do(t, http.MethodGet, "/api/v1/drivers/d1/rides/nearby?apply_radius=false", "", &res); resp.StatusCode != http.StatusOK {
		t.Fatalf("nearby: %d", resp.StatusCode)
	}
	if len(res.Rides) != 1 || res.Diagnostics.MatchingVehicle != 1 {
		t.Fatalf("unexpected nearby result %+v", res)
	}
	var body errorBody
	if resp := e.do(t, http.MethodPut, "/api/v1/drivers/d1/preferences", `{"search_radius_km":80}`, &body); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected radius validation, got %d %+v", resp.StatusCode, body)
	}
}

func TestUnknownRideAndDisabledPayments(t *testing.T) {
	e := newEnv(t)
	var body errorBody
	if resp := e.do(t, http.MethodGet, "/api/v1/rides/nope", "", &body); resp.StatusCode != http.StatusNotFound || body.Error != "not_found" {
		t.Fatalf("expected 404, got %d %+v", resp.StatusCode, body)
	}
	if resp := e.do(t, http.MethodPost, "/api/v1/drivers/d1/wallet/recharge", `{"amount":100}`, &body); resp.StatusCode != http.StatusBadRequest || body.Error != "payments_disabled" {
		t.Fatalf("expected payments_disabled, got %d %+v", resp.StatusCode, body)
	}
}
