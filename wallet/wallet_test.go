package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCheckInvariant(t *testing.T) {
	w := &Wallet{
		WalletID:       "W-1",
		ApprovedLimit:  dec("100"),
		CurrentBalance: dec("89.50"),
		UsedAmount:     dec("10.5"),
	}
	assert.NoError(t, w.CheckInvariant())
}

func TestCheckInvariantViolations(t *testing.T) {
	t.Run("sum mismatch", func(t *testing.T) {
		w := &Wallet{ApprovedLimit: dec("100"), CurrentBalance: dec("50"), UsedAmount: dec("40")}
		assert.Error(t, w.CheckInvariant())
	})
	t.Run("negative balance", func(t *testing.T) {
		w := &Wallet{ApprovedLimit: dec("100"), CurrentBalance: dec("-1"), UsedAmount: dec("101")}
		assert.Error(t, w.CheckInvariant())
	})
}
