package storage

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-escrow/internal/models"
)

type driverRow struct {
	ID              string         `db:"id"`
	Name            string         `db:"name"`
	PushToken       string         `db:"push_token"`
	PushProvider    string         `db:"push_provider"`
	SearchRadiusKm  float64        `db:"search_radius_km"`
	VehicleClass    string         `db:"vehicle_class"`
	AcceptedClasses pq.StringArray `db:"accepted_classes"`
	Online          bool           `db:"online"`
	Active          bool           `db:"active"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (d driverRow) model() *models.Driver {
	classes := make([]models.VehicleClass, 0, len(d.AcceptedClasses))
	for _, c := range d.AcceptedClasses {
		classes = append(classes, models.VehicleClass(c))
	}
	return &models.Driver{
		ID:              d.ID,
		Name:            d.Name,
		PushToken:       d.PushToken,
		PushProvider:    models.PushProvider(d.PushProvider),
		SearchRadiusKm:  d.SearchRadiusKm,
		VehicleClass:    models.VehicleClass(d.VehicleClass),
		AcceptedClasses: classes,
		Online:          d.Online,
		Active:          d.Active,
		UpdatedAt:       d.UpdatedAt,
	}
}

type locationRow struct {
	DriverID  string    `db:"driver_id"`
	Lat       float64   `db:"lat"`
	Lng       float64   `db:"lng"`
	Accuracy  float64   `db:"accuracy"`
	Speed     float64   `db:"speed"`
	Geohash   string    `db:"geohash"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (l locationRow) model() models.LocationRecord {
	return models.LocationRecord{
		DriverID:  l.DriverID,
		Lat:       l.Lat,
		Lng:       l.Lng,
		Accuracy:  l.Accuracy,
		Speed:     l.Speed,
		Geohash:   l.Geohash,
		UpdatedAt: l.UpdatedAt,
		Source:    models.SourceDurable,
	}
}

type pgDrivers struct {
	q sqlx.ExtContext
}

func (r pgDrivers) Get(ctx context.Context, id string) (*models.Driver, error) {
	var row driverRow
	if err := sqlx.GetContext(ctx, r.q, &row, `SELECT * FROM drivers WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return row.model(), nil
}

func (r pgDrivers) Upsert(ctx context.Context, d *models.Driver) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO drivers (
			id, name, push_token, push_provider, search_radius_km, vehicle_class,
			accepted_classes, online, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			push_token = EXCLUDED.push_token,
			push_provider = EXCLUDED.push_provider,
			search_radius_km = EXCLUDED.search_radius_km,
			vehicle_class = EXCLUDED.vehicle_class,
			accepted_classes = EXCLUDED.accepted_classes,
			online = EXCLUDED.online,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Name, d.PushToken, string(d.PushProvider), d.SearchRadiusKm, string(d.VehicleClass),
		classStrings(d.AcceptedClasses), d.Online, d.Active, d.UpdatedAt)
	return mapErr(err)
}

func (r pgDrivers) UpdatePreferences(ctx context.Context, id string, radiusKm float64, classes []models.VehicleClass, at time.Time) error {
	ok, err := execAffected(ctx, r.q, `UPDATE drivers
		SET search_radius_km = $2, accepted_classes = $3, updated_at = $4
		WHERE id = $1`, id, radiusKm, classStrings(classes), at)
	if err == nil && !ok {
		return ErrNotFound
	}
	return err
}

func (r pgDrivers) SetOnline(ctx context.Context, id string, online bool, at time.Time) error {
	ok, err := execAffected(ctx, r.q, `UPDATE drivers SET online = $2, updated_at = $3 WHERE id = $1`, id, online, at)
	if err == nil && !ok {
		return ErrNotFound
	}
	return err
}

func (r pgDrivers) DispatchCandidates(ctx context.Context, cells []string, precision int) ([]Candidate, error) {
	var rows []struct {
		driverRow
		LocLat       float64   `db:"loc_lat"`
		LocLng       float64   `db:"loc_lng"`
		LocAccuracy  float64   `db:"loc_accuracy"`
		LocSpeed     float64   `db:"loc_speed"`
		LocGeohash   string    `db:"loc_geohash"`
		LocUpdatedAt time.Time `db:"loc_updated_at"`
	}
	err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT d.*,
			l.lat AS loc_lat, l.lng AS loc_lng, l.accuracy AS loc_accuracy,
			l.speed AS loc_speed, l.geohash AS loc_geohash, l.updated_at AS loc_updated_at
		FROM drivers d
		JOIN driver_locations l ON l.driver_id = d.id
		WHERE d.online AND d.active AND d.push_token <> ''
		  AND left(l.geohash, $1) = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM rides r
			WHERE r.driver_id = d.id AND r.status IN ('driver_assigned', 'driver_arrived', 'trip_started')
		  )
		ORDER BY d.id`, precision, pq.StringArray(cells))
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, Candidate{
			Driver: *row.driverRow.model(),
			Position: locationRow{
				DriverID:  row.ID,
				Lat:       row.LocLat,
				Lng:       row.LocLng,
				Accuracy:  row.LocAccuracy,
				Speed:     row.LocSpeed,
				Geohash:   row.LocGeohash,
				UpdatedAt: row.LocUpdatedAt,
			}.model(),
		})
	}
	return out, nil
}

type pgLocations struct {
	q sqlx.ExtContext
}

func (r pgLocations) Snapshot(ctx context.Context, driverID string) (*models.LocationRecord, error) {
	var row locationRow
	if err := sqlx.GetContext(ctx, r.q, &row, `SELECT * FROM driver_locations WHERE driver_id = $1`, driverID); err != nil {
		return nil, mapErr(err)
	}
	rec := row.model()
	return &rec, nil
}

func (r pgLocations) SaveSnapshot(ctx context.Context, rec models.LocationRecord) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO driver_locations (driver_id, lat, lng, accuracy, speed, geohash, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			accuracy = EXCLUDED.accuracy,
			speed = EXCLUDED.speed,
			geohash = EXCLUDED.geohash,
			updated_at = EXCLUDED.updated_at`,
		rec.DriverID, rec.Lat, rec.Lng, rec.Accuracy, rec.Speed, rec.Geohash, rec.UpdatedAt)
	return mapErr(err)
}
