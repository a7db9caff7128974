package enums

import "fmt"

// NotificationType classifies in-app notifications shown to store owners.
type NotificationType string

const (
	NotificationOrderPaid          NotificationType = "order_paid"
	NotificationOrderDelivered     NotificationType = "order_delivered"
	NotificationStockDepleted      NotificationType = "stock_depleted"
	NotificationWithdrawalResolved NotificationType = "withdrawal_resolved"
)

var validNotificationTypes = []NotificationType{
	NotificationOrderPaid,
	NotificationOrderDelivered,
	NotificationStockDepleted,
	NotificationWithdrawalResolved,
}

// String implements fmt.Stringer.
func (n NotificationType) String() string {
	return string(n)
}

// IsValid reports whether the value is a known NotificationType.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw input into a NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
