package domain

// Amount pairs a currency with the gross and net value of a monetary event,
// in the smallest currency unit (cents). Gross is the pre-fee value; net is
// what actually lands on the balance. Amounts are value objects and are never
// mutated after construction.
type Amount struct {
	Currency   string `json:"currency"`
	GrossCents int64  `json:"gross_cents"`
	NetCents   int64  `json:"net_cents"`
}

// NewAmount builds an Amount. Negative values are legal; refunds and disputes
// move money out of a balance.
func NewAmount(currency string, grossCents, netCents int64) Amount {
	return Amount{Currency: currency, GrossCents: grossCents, NetCents: netCents}
}

// IsZero reports whether the amount moves no money at all.
func (a Amount) IsZero() bool {
	return a.GrossCents == 0 && a.NetCents == 0
}
