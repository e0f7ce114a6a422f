package types

import (
	"errors"
	"fmt"
)

// ErrDomain groups errors by subsystem
type ErrDomain string

const (
	DomainMarket ErrDomain = "market"
	DomainStore  ErrDomain = "store"
	DomainWallet ErrDomain = "wallet"
)

// ErrID is the closed set of error identifiers
type ErrID string

const (
	ErrPriceAlreadyExists     ErrID = "price-already-exists"
	ErrPriceNotFound          ErrID = "price-not-found"
	ErrPriceConflict          ErrID = "price-conflict"
	ErrInsufficientMargin     ErrID = "insufficient-margin"
	ErrMaxLeverage            ErrID = "max-leverage"
	ErrMinDeposit             ErrID = "min-deposit"
	ErrInvalidMaxGains        ErrID = "invalid-max-gains"
	ErrSlippage               ErrID = "slippage"
	ErrInvalidTrigger         ErrID = "invalid-trigger"
	ErrPositionNotFound       ErrID = "position-not-found"
	ErrOrderNotFound          ErrID = "order-not-found"
	ErrUnauthorized           ErrID = "unauthorized"
	ErrInsufficientLiquidity  ErrID = "insufficient-liquidity"
	ErrInsufficientShares     ErrID = "insufficient-shares"
	ErrLiquidityCooldown      ErrID = "liquidity-cooldown"
	ErrLiquidityReset         ErrID = "liquidity-reset"
	ErrCloseAllTriggered      ErrID = "close-all-triggered"
	ErrNativeFunds            ErrID = "native-funds"
	ErrCw20Funds              ErrID = "cw20-funds"
	ErrMissingFunds           ErrID = "missing-funds"
	ErrUnexpectedFunds        ErrID = "unexpected-funds"
	ErrConversion             ErrID = "conversion"
	ErrExceeded               ErrID = "exceeded"
	ErrDivideByZero           ErrID = "divide-by-zero"
	ErrInvalidWindow          ErrID = "invalid-window"
	ErrInvalidAmount          ErrID = "invalid-amount"
	ErrNothingToCollect       ErrID = "nothing-to-collect"
	ErrManualPriceUnsupported ErrID = "manual-price-unsupported"
)

// Error is the typed engine error: a closed (domain, id) pair with a human
// message. Every fallible operation returns one; there is no
// exceptions-as-control-flow anywhere in the engine.
type Error struct {
	Domain ErrDomain `json:"domain"`
	ID     ErrID     `json:"id"`
	Desc   string    `json:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.ID, e.Desc)
}

// Is matches on (domain, id), ignoring the message
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.ID == t.ID
}

// MarketErr builds a market-domain error
func MarketErr(id ErrID, format string, args ...interface{}) *Error {
	return &Error{Domain: DomainMarket, ID: id, Desc: fmt.Sprintf(format, args...)}
}

// StoreErr builds a store-domain error
func StoreErr(id ErrID, format string, args ...interface{}) *Error {
	return &Error{Domain: DomainStore, ID: id, Desc: fmt.Sprintf(format, args...)}
}

// WalletErr builds a wallet-domain error
func WalletErr(id ErrID, format string, args ...interface{}) *Error {
	return &Error{Domain: DomainWallet, ID: id, Desc: fmt.Sprintf(format, args...)}
}

// ErrIs reports whether err carries the given id, unwrapping as needed
func ErrIs(err error, id ErrID) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.ID == id
}
