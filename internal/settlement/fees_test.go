package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coaching_settlement/internal/models"
)

func TestFeeReconciler_Run(t *testing.T) {
	t.Run("records the gateway fee once across repeated runs", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.recipient(t, "acct_1", "")
		p := h.duePayment(t, r, paymentFixture{total: "100", platformFee: "15", vat: "5"})
		h.gateway.setFee(p.ChargeID, "3.20")

		res, err := h.fees.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Recorded)

		res, err = h.fees.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Selected)

		txns, err := h.ledger.Transactions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, models.TransactionTypeFee, txns[0].Type)
		assert.True(t, txns[0].Amount.Value.Equal(dec("3.20")))
		assert.Equal(t, "chf", txns[0].Amount.Currency)
		assert.Equal(t, "txn_"+p.ChargeID, txns[0].ExternalRef)
	})

	t.Run("unsettled charge is skipped without error and picked up later", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		r := h.recipient(t, "acct_1", "")
		pending := h.duePayment(t, r, paymentFixture{total: "100", platformFee: "15", vat: "5"})
		ready := h.duePayment(t, r, paymentFixture{total: "50", platformFee: "5", vat: "2"})
		h.gateway.setFee(ready.ChargeID, "1.50")

		res, err := h.fees.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, FeeRunResult{Selected: 2, Recorded: 1, Pending: 1}, res)

		h.gateway.setFee(pending.ChargeID, "3")
		res, err = h.fees.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, FeeRunResult{Selected: 1, Recorded: 1}, res)
	})
}
