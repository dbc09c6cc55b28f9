package services

import (
	"errors"
	"fmt"

	"github.com/nucleotide-health/orders/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrItemNotFound indicates the selected order item or address group does not exist on the order.
	ErrItemNotFound = errors.New("order: item not found")
	// ErrOrderConflict indicates a duplicate or a concurrent write the store refused.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the backing store could not be reached; callers may retry.
	ErrOrderUnavailable = errors.New("order: store unavailable")

	// ErrEmptyCart is returned when order creation is attempted with no cart lines.
	ErrEmptyCart = errors.New("order: cart is empty")
	// ErrPricingInconsistent is returned when cart figures cannot produce a valid total.
	ErrPricingInconsistent = errors.New("order: pricing inconsistent")
	// ErrGatewayUnavailable is returned when the payment gateway could not be reached; retryable.
	ErrGatewayUnavailable = errors.New("order: payment gateway unavailable")
	// ErrGatewayRejected is returned when the gateway refused to open the transaction.
	ErrGatewayRejected = errors.New("order: payment gateway rejected request")

	// ErrInvalidSignature is returned when a client or webhook payment signature does not verify.
	ErrInvalidSignature = errors.New("payment: invalid signature")
	// ErrGatewayReferenceMismatch is returned when client verification names another gateway order.
	ErrGatewayReferenceMismatch = errors.New("payment: gateway order reference mismatch")
	// ErrPaymentAlreadyFailed is returned when a client confirms an order whose payment has failed.
	ErrPaymentAlreadyFailed = errors.New("payment: payment already failed")

	// ErrInvalidTransition is returned for any status change that is not the immediate successor.
	ErrInvalidTransition = errors.New("fulfillment: invalid status transition")
	// ErrPaymentNotVerified is returned when fulfillment is attempted before gateway verification.
	ErrPaymentNotVerified = errors.New("fulfillment: payment not verified")
	// ErrInvalidSelector is returned when both an item id and an address id are supplied.
	ErrInvalidSelector = errors.New("fulfillment: item and address selectors are mutually exclusive")
)

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrOrderUnavailable) || errors.Is(err, ErrOrderConflict)
}
