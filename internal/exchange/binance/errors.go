package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

// Binance futures API error codes.
const (
	codeTooManyRequests      = -1003
	codeInvalidSignature     = -1022
	codeInvalidAPIKey        = -2015
	codeReduceOnlyRejected   = -2022
	codeQtyOutOfRange        = -4003
	codeNoNeedToChangeMargin = -4046
	codeMinNotional          = -4164
)

// mapError translates an API error into the matching domain sentinel while
// keeping the original in the chain.
func mapError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var mapped error
		switch apiErr.Code {
		case codeQtyOutOfRange, codeReduceOnlyRejected, codeMinNotional:
			mapped = domain.ErrQuantityTooSmall
		case codeTooManyRequests:
			mapped = domain.ErrRateLimited
		case codeInvalidSignature, codeInvalidAPIKey:
			mapped = domain.ErrUnauthorized
		}
		msg := strings.ToLower(apiErr.Message)
		if mapped == nil && (strings.Contains(msg, "quantity less than or equal to zero") || strings.Contains(msg, "reduce-only order qty")) {
			mapped = domain.ErrQuantityTooSmall
		}
		if mapped != nil {
			return fmt.Errorf("binance: %s: %w: %w", op, mapped, err)
		}
		return fmt.Errorf("binance: %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("binance: %s timed out: %w", op, err)
	}
	return fmt.Errorf("binance: %s: %w", op, err)
}
