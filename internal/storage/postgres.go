package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
)

// PostgresStore implements RideStore and WalletStore on Postgres.
// The status guard in TransitionRide runs inside one transaction with
// a row lock, so concurrent accepts resolve to exactly one winner.
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

const rideColumns = `id, rider_id, driver_id, status, pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address, vehicle_class,
	est_fare, act_fare, scheduled_at, created_at, accepted_at, started_at, ended_at, cancelled_at,
	cancel_reason, cancellation_fee, refund, tip, bonus, driver_earnings, commission,
	payment_method, payment_status, amount_charged, rating_of_driver, rating_of_rider, dispatch_deadline`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		r.ID, r.RiderID, nullStr(r.DriverID), string(r.Status),
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Dropoff.Lat, r.Dropoff.Lon, r.Dropoff.Address, string(r.VehicleClass),
		r.Estimated.Total, r.Actual.Total,
		r.ScheduledAt, r.CreatedAt, r.AcceptedAt, r.StartedAt, r.EndedAt, r.CancelledAt,
		r.CancelReason, r.CancellationFee, r.Refund, r.Tip, r.Bonus, r.DriverEarnings, r.Commission,
		string(r.PaymentMethod), string(r.PaymentStatus), r.AmountCharged,
		r.Rating.OfDriver, r.Rating.OfRider, r.DispatchDeadline)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		driver_id=$2, act_fare=$3, ended_at=$4, cancelled_at=$5, cancel_reason=$6,
		cancellation_fee=$7, refund=$8, tip=$9, bonus=$10, driver_earnings=$11, commission=$12,
		payment_status=$13, amount_charged=$14, rating_of_driver=$15, rating_of_rider=$16,
		dispatch_deadline=$17
		WHERE id=$1`,
		r.ID, nullStr(r.DriverID), r.Actual.Total, r.EndedAt, r.CancelledAt, r.CancelReason,
		r.CancellationFee, r.Refund, r.Tip, r.Bonus, r.DriverEarnings, r.Commission,
		string(r.PaymentStatus), r.AmountCharged, r.Rating.OfDriver, r.Rating.OfRider,
		r.DispatchDeadline)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "ride %s not found", r.ID)
	}
	return nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1 FOR UPDATE`, id)
	r, err := scanRide(row)
	if err != nil {
		return nil, false, err
	}
	guarded := false
	for _, s := range from {
		if r.Status == s {
			guarded = true
			break
		}
	}
	if !guarded {
		return nil, false, nil
	}
	r.Status = to
	if mutate != nil {
		mutate(r)
	}
	_, err = tx.ExecContext(ctx, `UPDATE rides SET
		status=$2, driver_id=$3, accepted_at=$4, started_at=$5, ended_at=$6, cancelled_at=$7,
		cancel_reason=$8, cancellation_fee=$9, refund=$10, act_fare=$11, driver_earnings=$12,
		commission=$13, bonus=$14, payment_status=$15, amount_charged=$16, dispatch_deadline=$17
		WHERE id=$1`,
		r.ID, string(r.Status), nullStr(r.DriverID), r.AcceptedAt, r.StartedAt, r.EndedAt,
		r.CancelledAt, r.CancelReason, r.CancellationFee, r.Refund, r.Actual.Total,
		r.DriverEarnings, r.Commission, r.Bonus, string(r.PaymentStatus), r.AmountCharged,
		r.DispatchDeadline)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) RatingsFor(ctx context.Context, userID string, asDriver bool) ([]float64, error) {
	var rows *sql.Rows
	var err error
	if asDriver {
		rows, err = p.db.QueryContext(ctx,
			`SELECT rating_of_driver FROM rides WHERE driver_id=$1 AND status='completed' AND rating_of_driver > 0`, userID)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT rating_of_rider FROM rides WHERE rider_id=$1 AND status='completed' AND rating_of_rider > 0`, userID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StuckDispatches(ctx context.Context, now time.Time) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE dispatch_deadline IS NOT NULL AND dispatch_deadline < $1
		AND status = ANY($2)`, now, pq.Array([]string{"searching", "requested", "scheduled"}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRideRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id=$1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount float64, reason, rideID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets(user_id, balance) VALUES($1,$2)
		ON CONFLICT (user_id) DO UPDATE SET balance = wallets.balance + $2`, userID, amount); err != nil {
		return err
	}
	if err := appendTx(ctx, tx, userID, amount, reason, rideID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, userID string, amount float64, reason, rideID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance - $2 WHERE user_id=$1 AND balance >= $2`, userID, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.InsufficientFunds, "wallet balance below %.2f", amount)
	}
	if err := appendTx(ctx, tx, userID, -amount, reason, rideID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Transactions(ctx context.Context, userID string) ([]models.WalletTransaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, wallet_id, amount, reason, ride_id, created_at FROM wallet_transactions WHERE wallet_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Amount, &t.Reason, &t.RideID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func appendTx(ctx context.Context, tx *sql.Tx, userID string, amount float64, reason, rideID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallet_transactions(id, wallet_id, amount, reason, ride_id, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
		NewID(), userID, amount, reason, rideID, time.Now())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row *sql.Row) (*models.Ride, error) {
	r, err := scanRideRows(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "ride not found")
	}
	return r, err
}

func scanRideRows(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID sql.NullString
	var status, class, payMethod, payStatus string
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Dropoff.Lat, &r.Dropoff.Lon, &r.Dropoff.Address, &class,
		&r.Estimated.Total, &r.Actual.Total,
		&r.ScheduledAt, &r.CreatedAt, &r.AcceptedAt, &r.StartedAt, &r.EndedAt, &r.CancelledAt,
		&r.CancelReason, &r.CancellationFee, &r.Refund, &r.Tip, &r.Bonus, &r.DriverEarnings, &r.Commission,
		&payMethod, &payStatus, &r.AmountCharged, &r.Rating.OfDriver, &r.Rating.OfRider, &r.DispatchDeadline)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		r.DriverID = driverID.String
	}
	r.Status = models.RideStatus(status)
	r.VehicleClass = models.VehicleClass(class)
	r.PaymentMethod = models.PaymentMethod(payMethod)
	r.PaymentStatus = models.PaymentStatus(payStatus)
	return &r, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
