package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

// PostgresStore implements OrderStore and OfferStore on Postgres. The CAS
// is a conditional UPDATE checking RowsAffected, so the status guard and
// the write are one statement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	var assigned sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, client_id, origin_lat, origin_lng, dest_lat, dest_lng, goods_type, status, assigned_driver_id, created_at
		 FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.ClientID, &o.Origin.Lat, &o.Origin.Lng, &o.Destination.Lat, &o.Destination.Lng,
			&o.GoodsType, &o.Status, &assigned, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o.AssignedDriverID = assigned.String
	return &o, nil
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO orders(id, client_id, origin_lat, origin_lng, dest_lat, dest_lng, goods_type, status, assigned_driver_id, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10)
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, assigned_driver_id=EXCLUDED.assigned_driver_id`,
		o.ID, o.ClientID, o.Origin.Lat, o.Origin.Lng, o.Destination.Lat, o.Destination.Lng,
		o.GoodsType, o.Status, o.AssignedDriverID, o.CreatedAt)
	return err
}

func (p *PostgresStore) AssignDriver(ctx context.Context, orderID, driverID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET assigned_driver_id=$1, status=$2, updated_at=$3
		 WHERE id=$4 AND (assigned_driver_id IS NULL OR assigned_driver_id=$1)`,
		driverID, models.OrderEnRoute, time.Now(), orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("order %s: %w", orderID, models.ErrNotFound)
		}
		return fmt.Errorf("order %s already assigned: %w", orderID, models.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	o, err := p.scanOffer(p.db.QueryRowContext(ctx,
		`SELECT id, order_id, driver_id, status, created_at, expires_at, distance_km, score
		 FROM offers WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	return o, err
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO offers(id, order_id, driver_id, status, created_at, expires_at, distance_km, score)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.OrderID, o.DriverID, o.Status, o.CreatedAt, o.ExpiresAt, o.DistanceKm, o.Score)
	return err
}

func (p *PostgresStore) UpdateStatusIf(ctx context.Context, id string, from, to models.OfferStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offers SET status=$1 WHERE id=$2 AND status=$3`, to, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Distinguish a lost race from a missing row.
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM offers WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("offer %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("offer %s not %s: %w", id, from, models.ErrConflict)
}

func (p *PostgresStore) OffersByOrder(ctx context.Context, orderID string) ([]*models.Offer, error) {
	return p.queryOffers(ctx,
		`SELECT id, order_id, driver_id, status, created_at, expires_at, distance_km, score
		 FROM offers WHERE order_id=$1`, orderID)
}

func (p *PostgresStore) PendingOffersByDriver(ctx context.Context, driverID string) ([]*models.Offer, error) {
	return p.queryOffers(ctx,
		`SELECT id, order_id, driver_id, status, created_at, expires_at, distance_km, score
		 FROM offers WHERE driver_id=$1 AND status=$2`, driverID, models.OfferPending)
}

func (p *PostgresStore) ExpiredPending(ctx context.Context, now time.Time) ([]*models.Offer, error) {
	return p.queryOffers(ctx,
		`SELECT id, order_id, driver_id, status, created_at, expires_at, distance_km, score
		 FROM offers WHERE status=$1 AND expires_at < $2`, models.OfferPending, now)
}

func (p *PostgresStore) queryOffers(ctx context.Context, q string, args ...interface{}) ([]*models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Offer
	for rows.Next() {
		o, err := p.scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanOffer(row rowScanner) (*models.Offer, error) {
	var o models.Offer
	if err := row.Scan(&o.ID, &o.OrderID, &o.DriverID, &o.Status, &o.CreatedAt, &o.ExpiresAt, &o.DistanceKm, &o.Score); err != nil {
		return nil, err
	}
	return &o, nil
}
