package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradestash/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// allocation trails are stored as JSONB on the purchase lot.
//
// Tables: recharge_lots, purchase_lots, sell_records (each indexed on
// (user_id, created_at DESC)), user_balances (unique user_id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS recharge_lots (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			deposited_cost  NUMERIC NOT NULL,
			funded_spend    NUMERIC NOT NULL,
			rate            NUMERIC NOT NULL,
			remaining_spend NUMERIC NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recharge_lots_user ON recharge_lots (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS purchase_lots (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			item_name         TEXT NOT NULL,
			item_type         TEXT NOT NULL,
			quantity          BIGINT NOT NULL,
			unit_spend_price  NUMERIC NOT NULL,
			total_spend_price NUMERIC NOT NULL,
			allocated_cost    NUMERIC NOT NULL,
			allocation_trail  JSONB NOT NULL DEFAULT '[]',
			created_at        TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_purchase_lots_user ON purchase_lots (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS sell_records (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			purchase_lot_id TEXT NOT NULL,
			item_name       TEXT NOT NULL,
			item_type       TEXT NOT NULL,
			quantity        BIGINT NOT NULL,
			unit_cost_basis NUMERIC NOT NULL,
			unit_sell_price NUMERIC NOT NULL,
			total_cost      NUMERIC NOT NULL,
			total_sell      NUMERIC NOT NULL,
			profit          NUMERIC NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sell_records_user ON sell_records (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_sell_records_lot ON sell_records (purchase_lot_id);

		CREATE TABLE IF NOT EXISTS user_balances (
			user_id       TEXT PRIMARY KEY,
			spend_balance NUMERIC NOT NULL,
			cost_total    NUMERIC NOT NULL,
			average_rate  NUMERIC NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

const (
	rechargeCols = `id, user_id, deposited_cost::TEXT, funded_spend::TEXT, rate::TEXT, remaining_spend::TEXT, created_at`
	purchaseCols = `id, user_id, item_name, item_type, quantity, unit_spend_price::TEXT, total_spend_price::TEXT, allocated_cost::TEXT, allocation_trail, created_at`
	sellCols     = `id, user_id, purchase_lot_id, item_name, item_type, quantity, unit_cost_basis::TEXT, unit_sell_price::TEXT, total_cost::TEXT, total_sell::TEXT, profit::TEXT, created_at`
)

func orderClause(opt ListOptions) string {
	if opt.Descending {
		return ` ORDER BY created_at DESC, id DESC`
	}
	return ` ORDER BY created_at ASC, id ASC`
}

func pageClause(opt ListOptions) string {
	clause := ""
	if opt.Limit > 0 {
		clause += fmt.Sprintf(" LIMIT %d", opt.Limit)
	}
	if opt.Offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", opt.Offset)
	}
	return clause
}

// --- Recharge lots ---

func (s *PostgresStore) GetRechargeLot(ctx context.Context, id string) (*model.RechargeLot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+rechargeCols+` FROM recharge_lots WHERE id = $1`, id)
	lot, err := scanRecharge(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return lot, err
}

func (s *PostgresStore) ListRechargeLots(ctx context.Context, userID string, opt ListOptions) ([]model.RechargeLot, error) {
	query := `SELECT ` + rechargeCols + ` FROM recharge_lots WHERE user_id = $1`
	if opt.OpenOnly {
		query += ` AND remaining_spend > 0`
	}
	query += orderClause(opt) + pageClause(opt)

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.RechargeLot
	for rows.Next() {
		lot, err := scanRecharge(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

// --- Purchase lots ---

func (s *PostgresStore) GetPurchaseLot(ctx context.Context, id string) (*model.PurchaseLot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+purchaseCols+` FROM purchase_lots WHERE id = $1`, id)
	lot, err := scanPurchase(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return lot, err
}

func (s *PostgresStore) ListPurchaseLots(ctx context.Context, userID string, opt ListOptions) ([]model.PurchaseLot, error) {
	query := `SELECT ` + purchaseCols + ` FROM purchase_lots WHERE user_id = $1` +
		orderClause(opt) + pageClause(opt)

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []model.PurchaseLot
	for rows.Next() {
		lot, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

// --- Sell records ---

func (s *PostgresStore) GetSellRecord(ctx context.Context, id string) (*model.SellRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sellCols+` FROM sell_records WHERE id = $1`, id)
	rec, err := scanSell(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListSellRecords(ctx context.Context, userID string, opt ListOptions) ([]model.SellRecord, error) {
	query := `SELECT ` + sellCols + ` FROM sell_records WHERE user_id = $1` +
		orderClause(opt) + pageClause(opt)
	return s.querySells(ctx, query, userID)
}

func (s *PostgresStore) ListSellRecordsByLot(ctx context.Context, purchaseLotID string) ([]model.SellRecord, error) {
	query := `SELECT ` + sellCols + ` FROM sell_records WHERE purchase_lot_id = $1 ORDER BY created_at ASC, id ASC`
	return s.querySells(ctx, query, purchaseLotID)
}

func (s *PostgresStore) querySells(ctx context.Context, query string, arg any) ([]model.SellRecord, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.SellRecord
	for rows.Next() {
		rec, err := scanSell(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// --- Balance aggregate ---

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.BalanceAggregate, error) {
	var bal model.BalanceAggregate
	var spendS, costS, rateS string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, spend_balance::TEXT, cost_total::TEXT, average_rate::TEXT, updated_at
		 FROM user_balances WHERE user_id = $1`, userID).
		Scan(&bal.UserID, &spendS, &costS, &rateS, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}

	bal.SpendBalance, _ = decimal.NewFromString(spendS)
	bal.CostTotal, _ = decimal.NewFromString(costS)
	bal.AverageRate, _ = decimal.NewFromString(rateS)
	return &bal, nil
}

// --- Atomic commits ---

func (s *PostgresStore) CommitRecharge(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO recharge_lots (id, user_id, deposited_cost, funded_spend, rate, remaining_spend, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			lot.ID, lot.UserID,
			lot.DepositedCost.String(), lot.FundedSpend.String(),
			lot.Rate.String(), lot.RemainingSpend.String(),
			lot.CreatedAt,
		)
		if err != nil {
			return err
		}
		return s.applyBalance(ctx, tx, lot.UserID, delta)
	})
}

func (s *PostgresStore) CommitPurchase(ctx context.Context, lot *model.PurchaseLot, delta BalanceDelta) error {
	trail, err := json.Marshal(lot.AllocationTrail)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Guarded decrements: rows-affected zero means another writer took
		// the remainder first.
		for _, e := range lot.AllocationTrail {
			tag, err := tx.Exec(ctx,
				`UPDATE recharge_lots
				 SET remaining_spend = remaining_spend - $2::NUMERIC
				 WHERE id = $1 AND user_id = $3 AND remaining_spend >= $2::NUMERIC`,
				e.RechargeLotID, e.SpendConsumed.String(), lot.UserID,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrConflict
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO purchase_lots (id, user_id, item_name, item_type, quantity, unit_spend_price, total_spend_price, allocated_cost, allocation_trail, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			lot.ID, lot.UserID, lot.ItemName, lot.ItemType, lot.Quantity,
			lot.UnitSpendPrice.String(), lot.TotalSpendPrice.String(), lot.AllocatedCost.String(),
			trail, lot.CreatedAt,
		)
		if err != nil {
			return err
		}
		return s.applyBalance(ctx, tx, lot.UserID, delta)
	})
}

func (s *PostgresStore) CommitSell(ctx context.Context, rec *model.SellRecord, lotQuantity int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// Lock the parent lot row to serialize concurrent sells against it.
		var lotID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM purchase_lots WHERE id = $1 FOR UPDATE`,
			rec.PurchaseLotID).Scan(&lotID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}

		var sold int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(quantity), 0) FROM sell_records WHERE purchase_lot_id = $1`,
			rec.PurchaseLotID).Scan(&sold)
		if err != nil {
			return err
		}
		if sold+rec.Quantity > lotQuantity {
			return ErrConflict
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO sell_records (id, user_id, purchase_lot_id, item_name, item_type, quantity, unit_cost_basis, unit_sell_price, total_cost, total_sell, profit, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
			rec.ID, rec.UserID, rec.PurchaseLotID, rec.ItemName, rec.ItemType, rec.Quantity,
			rec.UnitCostBasis.String(), rec.UnitSellPrice.String(),
			rec.TotalCost.String(), rec.TotalSell.String(), rec.Profit.String(),
			rec.CreatedAt,
		)
		return err
	})
}

func (s *PostgresStore) DeleteRechargeLot(ctx context.Context, lot *model.RechargeLot, delta BalanceDelta) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM recharge_lots WHERE id = $1 AND remaining_spend = funded_spend`,
			lot.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a consumed lot from a missing one.
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM recharge_lots WHERE id = $1)`,
				lot.ID).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return ErrConflict
			}
			return ErrNotFound
		}
		return s.applyBalance(ctx, tx, lot.UserID, delta)
	})
}

func (s *PostgresStore) DeletePurchaseLot(ctx context.Context, id string, delta BalanceDelta) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx,
			`SELECT user_id FROM purchase_lots WHERE id = $1 FOR UPDATE`, id).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var dependents int64
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM sell_records WHERE purchase_lot_id = $1`, id).Scan(&dependents)
		if err != nil {
			return err
		}
		if dependents > 0 {
			return ErrConflict
		}

		if _, err := tx.Exec(ctx, `DELETE FROM purchase_lots WHERE id = $1`, id); err != nil {
			return err
		}
		return s.applyBalance(ctx, tx, userID, delta)
	})
}

func (s *PostgresStore) DeleteSellRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sell_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearUser(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, table := range []string{"sell_records", "purchase_lots", "recharge_lots", "user_balances"} {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Helpers ---

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// applyBalance reads the user's aggregate under a row lock, folds in the
// delta, and upserts the result.
func (s *PostgresStore) applyBalance(ctx context.Context, tx pgx.Tx, userID string, delta BalanceDelta) error {
	bal := model.BalanceAggregate{UserID: userID}

	var spendS, costS string
	err := tx.QueryRow(ctx,
		`SELECT spend_balance::TEXT, cost_total::TEXT FROM user_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&spendS, &costS)
	switch {
	case err == nil:
		bal.SpendBalance, _ = decimal.NewFromString(spendS)
		bal.CostTotal, _ = decimal.NewFromString(costS)
	case errors.Is(err, pgx.ErrNoRows):
		// First deposit creates the row below.
	default:
		return err
	}

	ApplyDelta(&bal, delta)
	bal.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx,
		`INSERT INTO user_balances (user_id, spend_balance, cost_total, average_rate, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET spend_balance = EXCLUDED.spend_balance,
		     cost_total = EXCLUDED.cost_total,
		     average_rate = EXCLUDED.average_rate,
		     updated_at = EXCLUDED.updated_at`,
		bal.UserID, bal.SpendBalance.String(), bal.CostTotal.String(),
		bal.AverageRate.String(), bal.UpdatedAt,
	)
	return err
}

// --- Row scanning ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanRecharge(row pgxRow) (*model.RechargeLot, error) {
	var lot model.RechargeLot
	var depS, funS, rateS, remS string

	if err := row.Scan(&lot.ID, &lot.UserID, &depS, &funS, &rateS, &remS, &lot.CreatedAt); err != nil {
		return nil, err
	}
	lot.DepositedCost, _ = decimal.NewFromString(depS)
	lot.FundedSpend, _ = decimal.NewFromString(funS)
	lot.Rate, _ = decimal.NewFromString(rateS)
	lot.RemainingSpend, _ = decimal.NewFromString(remS)
	return &lot, nil
}

func scanPurchase(row pgxRow) (*model.PurchaseLot, error) {
	var lot model.PurchaseLot
	var unitS, totalS, costS string
	var trail []byte

	if err := row.Scan(&lot.ID, &lot.UserID, &lot.ItemName, &lot.ItemType, &lot.Quantity,
		&unitS, &totalS, &costS, &trail, &lot.CreatedAt); err != nil {
		return nil, err
	}
	lot.UnitSpendPrice, _ = decimal.NewFromString(unitS)
	lot.TotalSpendPrice, _ = decimal.NewFromString(totalS)
	lot.AllocatedCost, _ = decimal.NewFromString(costS)
	if err := json.Unmarshal(trail, &lot.AllocationTrail); err != nil {
		return nil, fmt.Errorf("decode allocation trail for %s: %w", lot.ID, err)
	}
	return &lot, nil
}

func scanSell(row pgxRow) (*model.SellRecord, error) {
	var rec model.SellRecord
	var basisS, priceS, costS, sellS, profitS string

	if err := row.Scan(&rec.ID, &rec.UserID, &rec.PurchaseLotID, &rec.ItemName, &rec.ItemType, &rec.Quantity,
		&basisS, &priceS, &costS, &sellS, &profitS, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.UnitCostBasis, _ = decimal.NewFromString(basisS)
	rec.UnitSellPrice, _ = decimal.NewFromString(priceS)
	rec.TotalCost, _ = decimal.NewFromString(costS)
	rec.TotalSell, _ = decimal.NewFromString(sellS)
	rec.Profit, _ = decimal.NewFromString(profitS)
	return &rec, nil
}
