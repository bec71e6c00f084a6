package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/models"
)

const defaultScanLimit = 500

type rideRow struct {
	ID                 string          `db:"id"`
	PostedBy           string          `db:"posted_by"`
	CustomerID         string          `db:"customer_id"`
	PickupLat          float64         `db:"pickup_lat"`
	PickupLng          float64         `db:"pickup_lng"`
	DropLat            float64         `db:"drop_lat"`
	DropLng            float64         `db:"drop_lng"`
	Stops              string          `db:"stops"`
	VehicleClass       string          `db:"vehicle_class"`
	PickupAt           time.Time       `db:"pickup_at"`
	TotalAmount        decimal.Decimal `db:"total_amount"`
	DriverEarning      decimal.Decimal `db:"driver_earning"`
	CommissionAmount   decimal.Decimal `db:"commission_amount"`
	ExtraFare          decimal.Decimal `db:"extra_fare"`
	PaidAmount         decimal.Decimal `db:"paid_amount"`
	CancellationCharge decimal.Decimal `db:"cancellation_charge"`
	Status             string          `db:"status"`
	DriverID           string          `db:"driver_id"`
	StartOTP           string          `db:"start_otp"`
	EndOTP             string          `db:"end_otp"`
	OTPVerified        bool            `db:"otp_verified"`
	CancelReason       string          `db:"cancel_reason"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
	AcceptedAt         *time.Time      `db:"accepted_at"`
	ArrivedAt          *time.Time      `db:"arrived_at"`
	StartedAt          *time.Time      `db:"started_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
	CancelledAt        *time.Time      `db:"cancelled_at"`
}

func rideToRow(r *models.RideRequest) (rideRow, error) {
	stops := r.Stops
	if stops == nil {
		stops = []models.Coord{}
	}
	raw, err := sonic.MarshalString(stops)
	if err != nil {
		return rideRow{}, err
	}
	return rideRow{
		ID:                 r.ID,
		PostedBy:           r.PostedBy,
		CustomerID:         r.CustomerID,
		PickupLat:          r.Pickup.Lat,
		PickupLng:          r.Pickup.Lng,
		DropLat:            r.Drop.Lat,
		DropLng:            r.Drop.Lng,
		Stops:              raw,
		VehicleClass:       string(r.VehicleClass),
		PickupAt:           r.PickupAt,
		TotalAmount:        r.TotalAmount,
		DriverEarning:      r.DriverEarning,
		CommissionAmount:   r.CommissionAmount,
		ExtraFare:          r.ExtraFare,
		PaidAmount:         r.PaidAmount,
		CancellationCharge: r.CancellationCharge,
		Status:             string(r.Status),
		DriverID:           r.DriverID,
		StartOTP:           r.StartOTP,
		EndOTP:             r.EndOTP,
		OTPVerified:        r.OTPVerified,
		CancelReason:       r.CancelReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		AcceptedAt:         r.AcceptedAt,
		ArrivedAt:          r.ArrivedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
	}, nil
}

func (row rideRow) model() (*models.RideRequest, error) {
	r := &models.RideRequest{
		ID:                 row.ID,
		PostedBy:           row.PostedBy,
		CustomerID:         row.CustomerID,
		Pickup:             models.Coord{Lat: row.PickupLat, Lng: row.PickupLng},
		Drop:               models.Coord{Lat: row.DropLat, Lng: row.DropLng},
		VehicleClass:       models.VehicleClass(row.VehicleClass),
		PickupAt:           row.PickupAt,
		TotalAmount:        row.TotalAmount,
		DriverEarning:      row.DriverEarning,
		CommissionAmount:   row.CommissionAmount,
		ExtraFare:          row.ExtraFare,
		PaidAmount:         row.PaidAmount,
		CancellationCharge: row.CancellationCharge,
		Status:             models.RideStatus(row.Status),
		DriverID:           row.DriverID,
		StartOTP:           row.StartOTP,
		EndOTP:             row.EndOTP,
		OTPVerified:        row.OTPVerified,
		CancelReason:       row.CancelReason,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
		AcceptedAt:         row.AcceptedAt,
		ArrivedAt:          row.ArrivedAt,
		StartedAt:          row.StartedAt,
		CompletedAt:        row.CompletedAt,
		CancelledAt:        row.CancelledAt,
	}
	if row.Stops != "" {
		if err := sonic.UnmarshalString(row.Stops, &r.Stops); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func rowsToRides(rows []rideRow) ([]*models.RideRequest, error) {
	out := make([]*models.RideRequest, 0, len(rows))
	for _, row := range rows {
		r, err := row.model()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func classStrings(cs []models.VehicleClass) pq.StringArray {
	out := make(pq.StringArray, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}

func statusStrings(ss []models.RideStatus) pq.StringArray {
	out := make(pq.StringArray, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

type pgRides struct {
	q sqlx.ExtContext
}

func (r pgRides) Create(ctx context.Context, ride *models.RideRequest) error {
	ride.Normalize()
	row, err := rideToRow(ride)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.q, `INSERT INTO rides (
		id, posted_by, customer_id, pickup_lat, pickup_lng, drop_lat, drop_lng, stops,
		vehicle_class, pickup_at, total_amount, driver_earning, commission_amount,
		extra_fare, paid_amount, cancellation_charge, status, driver_id, start_otp,
		end_otp, otp_verified, cancel_reason, created_at, updated_at
	) VALUES (
		:id, :posted_by, :customer_id, :pickup_lat, :pickup_lng, :drop_lat, :drop_lng, :stops,
		:vehicle_class, :pickup_at, :total_amount, :driver_earning, :commission_amount,
		:extra_fare, :paid_amount, :cancellation_charge, :status, :driver_id, :start_otp,
		:end_otp, :otp_verified, :cancel_reason, :created_at, :updated_at
	)`, row)
	return mapErr(err)
}

func (r pgRides) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	var row rideRow
	if err := sqlx.GetContext(ctx, r.q, &row, `SELECT * FROM rides WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return row.model()
}

func (r pgRides) Claim(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'driver_assigned', driver_id = $2, accepted_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'searching'`, rideID, driverID, at)
}

func (r pgRides) MarkArrived(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'driver_arrived', arrived_at = $3, updated_at = $3
		WHERE id = $1 AND driver_id = $2 AND status = 'driver_assigned'`, rideID, driverID, at)
}

func (r pgRides) StartTrip(ctx context.Context, rideID, driverID, otp string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'trip_started', otp_verified = TRUE, started_at = $4, updated_at = $4
		WHERE id = $1 AND driver_id = $2 AND status = 'driver_arrived'
		  AND NOT otp_verified AND start_otp = $3`, rideID, driverID, otp, at)
}

func (r pgRides) Complete(ctx context.Context, rideID, driverID string, c Completion) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'trip_completed', extra_fare = $3, total_amount = $4,
		    driver_earning = $4 - commission_amount, completed_at = $5, updated_at = $5
		WHERE id = $1 AND driver_id = $2 AND status = 'trip_started'`,
		rideID, driverID, c.ExtraFare, c.TotalAmount, c.At)
}

func (r pgRides) Cancel(ctx context.Context, rideID string, c Cancellation) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = $2, cancel_reason = $3, cancellation_charge = $4, cancelled_at = $5, updated_at = $5
		WHERE id = $1 AND status = ANY($6) AND ($7::text = '' OR driver_id = $7)`,
		rideID, string(c.Status), c.Reason, c.Charge, c.At, statusStrings(c.From), c.DriverID)
}

func (r pgRides) Unassign(ctx context.Context, rideID, driverID string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'searching', driver_id = '', accepted_at = NULL, updated_at = $3
		WHERE id = $1 AND driver_id = $2 AND status = 'driver_assigned'`, rideID, driverID, at)
}

func (r pgRides) Expire(ctx context.Context, rideID string, at time.Time) (bool, error) {
	return execAffected(ctx, r.q, `UPDATE rides
		SET status = 'no_driver_found', updated_at = $2
		WHERE id = $1 AND status = 'searching'`, rideID, at)
}

func (r pgRides) SearchNearby(ctx context.Context, q SearchQuery) ([]NearbyRide, error) {
	query := `SELECT * FROM rides
		WHERE status = 'searching' AND pickup_at >= $1 AND vehicle_class = ANY($2)
		  AND ($3::text = '' OR posted_by <> $3)`
	args := []any{q.Now, classStrings(q.Classes), q.ExcludePostedBy}
	if q.Center != nil {
		b := geo.BoundingBox(*q.Center, q.RadiusKm)
		args = append(args, b.MinLat, b.MaxLat)
		var lngs []string
		for _, lr := range b.LngRanges() {
			lngs = append(lngs, fmt.Sprintf("pickup_lng BETWEEN $%d AND $%d", len(args)+1, len(args)+2))
			args = append(args, lr[0], lr[1])
		}
		query += ` AND pickup_lat BETWEEN $4 AND $5 AND (` + strings.Join(lngs, " OR ") + `) ORDER BY pickup_at, id`
	} else {
		limit := q.Limit
		if limit <= 0 {
			limit = defaultScanLimit
		}
		query += ` ORDER BY pickup_at, id LIMIT $4`
		args = append(args, limit)
	}

	var rows []rideRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]NearbyRide, 0, len(rows))
	for _, row := range rows {
		ride, err := row.model()
		if err != nil {
			return nil, err
		}
		nr := NearbyRide{Ride: ride}
		if q.Center != nil {
			d := geo.DistanceKm(*q.Center, ride.Pickup)
			if d > q.RadiusKm {
				continue
			}
			nr.DistanceKm = &d
		}
		out = append(out, nr)
	}
	sortNearby(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r pgRides) CountSearching(ctx context.Context, q SearchQuery) (SearchCounts, error) {
	var row struct {
		Total    int `db:"total"`
		Matching int `db:"matching"`
	}
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE vehicle_class = ANY($2)) AS matching
		FROM rides
		WHERE status = 'searching' AND pickup_at >= $1 AND ($3::text = '' OR posted_by <> $3)`,
		q.Now, classStrings(q.Classes), q.ExcludePostedBy)
	if err != nil {
		return SearchCounts{}, mapErr(err)
	}
	return SearchCounts{TotalSearching: row.Total, MatchingVehicle: row.Matching}, nil
}

func (r pgRides) selectRides(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	var rows []rideRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	return rowsToRides(rows)
}

func (r pgRides) StaleClaims(ctx context.Context, acceptedBefore time.Time, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	return r.selectRides(ctx, `SELECT * FROM rides
		WHERE status = 'driver_assigned' AND accepted_at < $1
		ORDER BY accepted_at LIMIT $2`, acceptedBefore, limit)
}

func (r pgRides) ExpiredSearching(ctx context.Context, now time.Time, limit int) ([]*models.RideRequest, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	return r.selectRides(ctx, `SELECT * FROM rides
		WHERE status = 'searching' AND pickup_at < $1
		ORDER BY pickup_at LIMIT $2`, now, limit)
}
