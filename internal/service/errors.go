package service

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures so callers can branch without reading messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientStock
	KindOrderNotFound
	KindCustomerNotFound
	KindProductNotFound
	KindInvalidStateTransition
	KindAlreadyCancelled
	KindStorageFault
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindOrderNotFound:
		return "order_not_found"
	case KindCustomerNotFound:
		return "customer_not_found"
	case KindProductNotFound:
		return "product_not_found"
	case KindInvalidStateTransition:
		return "invalid_state_transition"
	case KindAlreadyCancelled:
		return "already_cancelled"
	case KindStorageFault:
		return "storage_fault"
	}
	return "unknown"
}

// Error is the single error type returned by orchestrator operations.
// ID carries the entity the failure refers to: the product for
// InsufficientStock, the order or customer otherwise.
type Error struct {
	Kind Kind
	Op   string
	ID   int64
	Msg  string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrInsufficientStock      = &Error{Kind: KindInsufficientStock}
	ErrOrderNotFound          = &Error{Kind: KindOrderNotFound}
	ErrCustomerNotFound       = &Error{Kind: KindCustomerNotFound}
	ErrProductNotFound        = &Error{Kind: KindProductNotFound}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrAlreadyCancelled       = &Error{Kind: KindAlreadyCancelled}
	ErrStorageFault           = &Error{Kind: KindStorageFault}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind. An already-cancelled order is also an invalid state transition.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindAlreadyCancelled && t.Kind == KindInvalidStateTransition
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// InsufficientProduct returns the product that ran out of stock, if err is InsufficientStock.
func InsufficientProduct(err error) (int64, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindInsufficientStock {
		return e.ID, true
	}
	return 0, false
}

func validationError(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func insufficientStock(op string, productID int64) *Error {
	return &Error{Kind: KindInsufficientStock, Op: op, ID: productID,
		Msg: fmt.Sprintf("insufficient stock for product %d", productID)}
}

func orderNotFound(op string, orderID int64) *Error {
	return &Error{Kind: KindOrderNotFound, Op: op, ID: orderID,
		Msg: fmt.Sprintf("order %d not found", orderID)}
}

func customerNotFound(op string, customerID int64) *Error {
	return &Error{Kind: KindCustomerNotFound, Op: op, ID: customerID,
		Msg: fmt.Sprintf("customer %d not found", customerID)}
}

func productNotFound(op string, productID int64) *Error {
	return &Error{Kind: KindProductNotFound, Op: op, ID: productID,
		Msg: fmt.Sprintf("product %d not found", productID)}
}

func invalidTransition(op string, orderID int64, err error) *Error {
	return &Error{Kind: KindInvalidStateTransition, Op: op, ID: orderID, Err: err}
}

func storageFault(op string, id int64, err error) *Error {
	return &Error{Kind: KindStorageFault, Op: op, ID: id, Err: err}
}

// classify passes through already-classified errors and wraps anything else as a storage fault.
func classify(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return storageFault(op, id, err)
}
