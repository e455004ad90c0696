package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"liveauction/internal/auctionerrors"
	"liveauction/internal/models"
	"liveauction/internal/store"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

// SQLSTATE codes mapped onto the retryable error kinds.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

const auctionColumns = `id, seller_id, title, description, images, category, location,
       starting_price, current_price, min_bid_increment, start_time, end_time,
       status, coalesce(winner_id, ''), commission_earned, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_id, amount, created_at, seq`

type Store struct {
	db              *sql.DB
	lockTimeout     time.Duration
	conflictRetries int
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Directory = (*Store)(nil)
)

func New(db *sql.DB, lockTimeout time.Duration, conflictRetries int) *Store {
	return &Store{
		db:              db,
		lockTimeout:     lockTimeout,
		conflictRetries: conflictRetries,
	}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// WithAuctionLock runs fn inside a SERIALIZABLE transaction holding
// SELECT ... FOR UPDATE on the auction row. Serialization failures are
// retried with a fresh transaction.
func (s *Store) WithAuctionLock(ctx context.Context, auctionID string, fn func(tx store.AuctionTx) error) error {
	var err error
	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		if attempt > 0 {
			zap.L().Debug("pgstore.retry_conflict",
				zap.String("auction_id", auctionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 5 * time.Millisecond):
			}
		}
		err = s.lockOnce(ctx, auctionID, fn)
		if !errors.Is(err, auctionerrors.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) lockOnce(ctx context.Context, auctionID string, fn func(tx store.AuctionTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", classify(err))
	}
	defer tx.Rollback()

	// SET does not take bind parameters; the value is an integer we format.
	lockTimeout := "SET LOCAL lock_timeout = '" + strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms'"
	if _, err := tx.ExecContext(ctx, lockTimeout); err != nil {
		return fmt.Errorf("pgstore: set lock_timeout: %w", classify(err))
	}

	row := tx.QueryRowContext(ctx, `SELECT `+auctionColumns+`
	                                   FROM auctions
	                                  WHERE id = $1
	                                    FOR UPDATE`, auctionID)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auctionerrors.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pgstore: lock auction %s: %w", auctionID, classify(err))
	}

	if err := fn(&pgTx{tx: tx, auction: a}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit: %w", classify(err))
	}
	return nil
}

// classify maps lock and serialization failures onto the error taxonomy
// and leaves everything else untouched.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable:
		return fmt.Errorf("%w: %s", auctionerrors.ErrBusy, pgErr.Message)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %s", auctionerrors.ErrConflict, pgErr.Code)
	}
	return err
}

func (s *Store) CreateAuction(ctx context.Context, a *models.Auction) error {
	images, err := json.Marshal(nonNil(a.Images))
	if err != nil {
		return fmt.Errorf("pgstore: encode images: %w", err)
	}
	const q = `
	  INSERT INTO auctions (id, seller_id, title, description, images, category, location,
	                        starting_price, current_price, min_bid_increment,
	                        start_time, end_time, status, created_at, updated_at)
	       VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`
	_, err = s.db.ExecContext(ctx, q,
		a.ID, a.SellerID, a.Title, a.Description, string(images), a.Category, a.Location,
		a.StartingPrice, a.CurrentPrice, a.MinBidIncrement,
		a.StartTime, a.EndTime, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pgstore: create auction %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auctionerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get auction %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) ListAuctions(ctx context.Context, f models.AuctionFilter) ([]models.Auction, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}

	q := `SELECT ` + auctionColumns + ` FROM auctions`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY end_time ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, f.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list auctions: %w", err)
	}
	defer rows.Close()

	list := make([]models.Auction, 0, f.Limit)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan auction: %w", err)
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

func (s *Store) ListEndedAuctionIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
	  SELECT id FROM auctions
	   WHERE status = 'ACTIVE' AND end_time <= $1
	   ORDER BY end_time ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list ended auctions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListBids(ctx context.Context, auctionID string, limit int) ([]models.Bid, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
	  SELECT `+bidColumns+` FROM bids
	   WHERE auction_id = $1
	   ORDER BY seq DESC
	   LIMIT $2`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list bids for %s: %w", auctionID, err)
	}
	defer rows.Close()

	bids := make([]models.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, rows.Err()
}

func (s *Store) BidderProfile(ctx context.Context, userID string) (models.BidderProfile, error) {
	p := models.BidderProfile{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
	  SELECT coalesce(name, ''), coalesce(email, ''), is_phone_verified, is_verified_seller
	    FROM users WHERE id = $1`, userID).
		Scan(&p.Name, &p.Email, &p.PhoneVerified, &p.SellerVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BidderProfile{UserID: userID}, nil
	}
	if err != nil {
		return p, fmt.Errorf("pgstore: bidder profile %s: %w", userID, err)
	}
	return p, nil
}

func (s *Store) HasActiveDeposit(ctx context.Context, bidderID, auctionID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
	  SELECT EXISTS (SELECT 1 FROM deposits
	                  WHERE user_id = $1 AND auction_id = $2 AND status = 'HELD')`,
		bidderID, auctionID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pgstore: deposit lookup: %w", err)
	}
	return ok, nil
}

// pgTx is the locked view handed to WithAuctionLock callbacks.
type pgTx struct {
	tx      *sql.Tx
	auction *models.Auction
}

func (t *pgTx) Auction() *models.Auction { return t.auction.Clone() }

func (t *pgTx) HighestBid(ctx context.Context) (*models.Bid, error) {
	row := t.tx.QueryRowContext(ctx, `
	  SELECT `+bidColumns+` FROM bids
	   WHERE auction_id = $1
	   ORDER BY amount DESC, created_at ASC, seq ASC
	   LIMIT 1`, t.auction.ID)
	b, err := scanBid(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: highest bid: %w", err)
	}
	return b, nil
}

func (t *pgTx) CountBids(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT count(*) FROM bids WHERE auction_id = $1`, t.auction.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: count bids: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertBid(ctx context.Context, bid *models.Bid) error {
	if bid.AuctionID != t.auction.ID {
		return fmt.Errorf("pgstore: bid for %s inserted under lock of %s", bid.AuctionID, t.auction.ID)
	}
	err := t.tx.QueryRowContext(ctx, `
	  INSERT INTO bids (id, auction_id, bidder_id, amount, created_at)
	       VALUES ($1, $2, $3, $4, $5)
	    RETURNING seq`,
		bid.ID, bid.AuctionID, bid.BidderID, bid.Amount, bid.CreatedAt).Scan(&bid.Seq)
	if err != nil {
		return fmt.Errorf("pgstore: insert bid: %w", err)
	}
	return nil
}

func (t *pgTx) UpdatePriceAndEnd(ctx context.Context, price float64, endTime time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
	  UPDATE auctions
	     SET current_price = $2, end_time = $3, updated_at = now()
	   WHERE id = $1 AND status = 'ACTIVE'
	     AND current_price <= $2 AND end_time <= $3`,
		t.auction.ID, price, endTime)
	if err := affectedOne(res, err, "update price"); err != nil {
		return err
	}
	t.auction.CurrentPrice = price
	t.auction.EndTime = endTime
	return nil
}

func (t *pgTx) MarkSold(ctx context.Context, winnerID string, commission float64) error {
	res, err := t.tx.ExecContext(ctx, `
	  UPDATE auctions
	     SET status = 'SOLD', winner_id = $2, commission_earned = $3, updated_at = now()
	   WHERE id = $1 AND status = 'ACTIVE'`,
		t.auction.ID, winnerID, commission)
	if err := affectedOne(res, err, "mark sold"); err != nil {
		return err
	}
	t.auction.Status = models.StatusSold
	t.auction.WinnerID = winnerID
	t.auction.CommissionEarned = commission
	return nil
}

func (t *pgTx) MarkExpired(ctx context.Context) error {
	return t.terminate(ctx, models.StatusExpired)
}

func (t *pgTx) MarkCancelled(ctx context.Context) error {
	return t.terminate(ctx, models.StatusCancelled)
}

func (t *pgTx) terminate(ctx context.Context, st models.AuctionStatus) error {
	res, err := t.tx.ExecContext(ctx, `
	  UPDATE auctions
	     SET status = $2, updated_at = now()
	   WHERE id = $1 AND status = 'ACTIVE'`,
		t.auction.ID, string(st))
	if err := affectedOne(res, err, "mark "+strings.ToLower(string(st))); err != nil {
		return err
	}
	t.auction.Status = st
	return nil
}

func affectedOne(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: %s: %w", op, err)
	}
	if n != 1 {
		return fmt.Errorf("pgstore: %s: guarded update matched %d rows", op, n)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuction(row scanner) (*models.Auction, error) {
	var (
		a      models.Auction
		images string
		status string
	)
	err := row.Scan(&a.ID, &a.SellerID, &a.Title, &a.Description, &images, &a.Category, &a.Location,
		&a.StartingPrice, &a.CurrentPrice, &a.MinBidIncrement, &a.StartTime, &a.EndTime,
		&status, &a.WinnerID, &a.CommissionEarned, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.AuctionStatus(status)
	if images != "" {
		if err := json.Unmarshal([]byte(images), &a.Images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func scanBid(row scanner) (*models.Bid, error) {
	var b models.Bid
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.CreatedAt, &b.Seq); err != nil {
		return nil, err
	}
	return &b, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
