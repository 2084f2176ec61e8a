package ledger

import "errors"

// Engine errors. All are local to a single call and recoverable by the
// caller retrying with corrected input; a failed call leaves stored state
// untouched.
var (
	// ErrValidation rejects non-positive or missing fields before any read.
	ErrValidation = errors.New("ledger: invalid input")

	// ErrInsufficientFunds rejects a purchase the recharge ledger cannot
	// cover.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrOwnership rejects operations on a record owned by another user.
	ErrOwnership = errors.New("ledger: record not owned by caller")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrOversell rejects a sell whose quantity exceeds the lot's
	// remaining unsold quantity.
	ErrOversell = errors.New("ledger: sell quantity exceeds remaining")

	// ErrRechargeConsumed rejects deleting a recharge lot that purchases
	// have already drawn from. Consumed cost cannot be restored.
	ErrRechargeConsumed = errors.New("ledger: recharge lot partially consumed")

	// ErrLotHasSells rejects deleting a purchase lot while sell records
	// still reference it.
	ErrLotHasSells = errors.New("ledger: purchase lot has sell records")

	// ErrConflict is surfaced when concurrent writers kept invalidating a
	// commit past the retry budget.
	ErrConflict = errors.New("ledger: concurrent conflict, retry")
)
