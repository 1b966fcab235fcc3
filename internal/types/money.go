// README: Common money value object used across modules.
package types

import "errors"

// DefaultCurrency is used when an amount arrives without one.
const DefaultCurrency = "USD"

var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is an amount in minor units (cents). Integer arithmetic keeps totals exact.
type Money struct {
	Amount   int64
	Currency string
}

func NewMoney(amount int64, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: amount, Currency: currency}
}

func (m Money) IsNegative() bool {
	return m.Amount < 0
}

func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount + o.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}, nil
}

func (m Money) sameCurrency(o Money) error {
	if m.Currency != o.Currency {
		return ErrCurrencyMismatch
	}
	return nil
}
