// Package invoice derives the net and withheld-tax split of a recipient payout.
// The payout path and document generation both call Decompose, so the figures on
// an invoice always match the ledger.
package invoice

import "github.com/shopspring/decimal"

// Breakdown is the monetary content of a payout invoice.
// NetAmount + WithheldTax == GrossPayout to the cent.
type Breakdown struct {
	GrossPayout decimal.Decimal `json:"gross_payout"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	WithheldTax decimal.Decimal `json:"withheld_tax"`
	Currency    string          `json:"currency"`
}

var one = decimal.NewFromInt(1)

// Decompose splits a gross payout. For a tax-registered recipient the gross is
// treated as tax inclusive: net = gross / (1 + rate) rounded to the cent and the
// tax is the remainder. Otherwise everything is net.
func Decompose(gross decimal.Decimal, taxRegistered bool, rate decimal.Decimal, currency string) Breakdown {
	gross = gross.Round(2)
	b := Breakdown{GrossPayout: gross, NetAmount: gross, WithheldTax: decimal.Zero, Currency: currency}

	if !taxRegistered || !rate.IsPositive() || gross.IsZero() {
		return b
	}

	net := gross.DivRound(one.Add(rate), 2)
	b.NetAmount = net
	b.WithheldTax = gross.Sub(net)
	return b
}
