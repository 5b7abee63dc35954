package services

import (
	"log/slog"

	pubnub "github.com/pubnub/go"

	"mpesa-relay/models"
	"mpesa-relay/monitoring"
)

// Notifier delivers a payment outcome to whoever subscribed to the order's
// room. Delivery is fire-and-forget and at-least-once; an empty room is not
// an error and failures must never reach the webhook response.
type Notifier interface {
	Notify(orderID string, outcome *models.Outcome)
}

// PubNubNotifier publishes outcomes to the PubNub channel named by order id.
// Clients join and leave rooms named by the order they are watching.
type PubNubNotifier struct {
	pn *pubnub.PubNub
}

func NewNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{pn: pn}
}

func (n *PubNubNotifier) Notify(orderID string, outcome *models.Outcome) {
	message := map[string]any{
		"type":     "payment_result",
		"order_id": orderID,
		"status":   outcome.Status,
		"degraded": outcome.Degraded,
	}
	if outcome.Success() {
		message["event"] = "success"
	} else {
		message["event"] = "failure"
		message["reason"] = outcome.Reason
	}
	if outcome.ReceiptNumber != nil {
		message["receipt_number"] = *outcome.ReceiptNumber
	}
	if outcome.Amount != nil {
		message["amount"] = outcome.Amount.String()
	}

	_, _, err := n.pn.Publish().
		Channel(orderID).
		Message(message).
		Execute()
	if err != nil {
		// Swallowed on purpose: the gateway must still get its ack.
		monitoring.TrackNotifyFailure()
		slog.Error("outcome notification failed", "orderID", orderID, "error", err)
	}
}
