package domain

// PayoutStatusEvent is the message the payout processor (or its webhook
// bridge) publishes when a payout changes state on the rail. Either
// TransferID or CorrelationID identifies the payment.
type PayoutStatusEvent struct {
	TransferID    string `json:"transfer_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}
