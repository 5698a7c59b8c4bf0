package settlement

import (
	"github.com/shopspring/decimal"

	"coaching_settlement/internal/models"
)

// RefundBreakdown is the cost split of one refund. Only CoachDebit moves money;
// the other figures are reported in the refund transaction's metadata.
type RefundBreakdown struct {
	NetEarning           decimal.Decimal `json:"net_earning"`
	RefundedPortion      decimal.Decimal `json:"refunded_portion"`
	CoachDebit           decimal.Decimal `json:"coach_debit"`
	ForfeitedPlatformFee decimal.Decimal `json:"forfeited_platform_fee"`
	ReclaimedTax         decimal.Decimal `json:"reclaimed_tax"`
	LostProcessorFee     decimal.Decimal `json:"lost_processor_fee"`
}

// NetEarning is what the recipient earns on a payment before withholding:
// total less platform fee, VAT and the processor fee.
func NetEarning(a models.Amount, processorFee decimal.Decimal) decimal.Decimal {
	return a.Total.Sub(a.PlatformFee).Sub(a.VAT.Amount).Sub(processorFee)
}

// ComputeRefundBreakdown applies a refund policy to a refund of the given amount.
//
//	standard:       netEarning*portion + processorFee*portion
//	platform_fault: amount * netEarning / total
//	goodwill:       0
func ComputeRefundBreakdown(policy models.RefundPolicy, a models.Amount, processorFee, amount decimal.Decimal) RefundBreakdown {
	b := RefundBreakdown{
		NetEarning:           NetEarning(a, processorFee),
		RefundedPortion:      decimal.Zero,
		CoachDebit:           decimal.Zero,
		ForfeitedPlatformFee: decimal.Zero,
		ReclaimedTax:         decimal.Zero,
		LostProcessorFee:     decimal.Zero,
	}
	if !a.Total.IsPositive() {
		return b
	}

	portion := amount.Div(a.Total)
	b.RefundedPortion = portion
	b.ForfeitedPlatformFee = a.PlatformFee.Mul(portion).Round(2)
	b.ReclaimedTax = a.VAT.Amount.Mul(portion).Round(2)
	b.LostProcessorFee = processorFee.Mul(portion).Round(2)

	var debit decimal.Decimal
	switch policy {
	case models.RefundPolicyStandard:
		debit = b.NetEarning.Mul(portion).Add(processorFee.Mul(portion))
	case models.RefundPolicyPlatformFault:
		debit = amount.Mul(b.NetEarning).Div(a.Total)
	default:
		debit = decimal.Zero
	}
	if debit.IsNegative() {
		debit = decimal.Zero
	}
	b.CoachDebit = debit.Round(2)
	return b
}

// FinalPayout is the recipient's gross earning on a payment at disbursement time.
// Debits of refunds applied before disbursement are taken off here.
func FinalPayout(p *models.Payment, processorFee decimal.Decimal) decimal.Decimal {
	return NetEarning(p.Amount, processorFee).Sub(p.RefundedDebits()).Round(2)
}
