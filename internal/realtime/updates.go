package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidUpdate is returned when a decoded payload fails validation.
var ErrInvalidUpdate = errors.New("invalid update")

// Topic is one of the fixed update categories the channel subscribes to.
type Topic string

const (
	TopicOrders Topic = "orders"
	TopicDrone  Topic = "drone"
	TopicCart   Topic = "cart"
)

// Topics lists every topic in subscription order.
var Topics = []Topic{TopicOrders, TopicDrone, TopicCart}

// Destination returns the broker destination for the topic.
func (t Topic) Destination() string {
	return "/topic/" + string(t)
}

// Update is implemented by every payload type.
type Update interface {
	Validate() error
}

// OrderUpdate is published on /topic/orders whenever an order changes.
type OrderUpdate struct {
	OrderID      string  `json:"orderId"`
	Status       string  `json:"status,omitempty"`
	UserID       string  `json:"userId,omitempty"`
	RestaurantID string  `json:"restaurantId,omitempty"`
	DroneID      string  `json:"droneId,omitempty"`
	TotalPrice   float64 `json:"totalPrice,omitempty"`
	UpdatedAt    string  `json:"updatedAt,omitempty"`
}

// Validate implements Update
func (u OrderUpdate) Validate() error {
	if u.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidUpdate)
	}
	return nil
}

// DroneUpdate is published on /topic/drone with a drone's latest telemetry.
// Optional readings are nil when the broker did not send them.
type DroneUpdate struct {
	DroneID   string   `json:"droneId"`
	OrderID   string   `json:"orderId,omitempty"`
	Status    string   `json:"status,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// Validate implements Update
func (u DroneUpdate) Validate() error {
	if u.DroneID == "" {
		return fmt.Errorf("%w: droneId is required", ErrInvalidUpdate)
	}
	if u.Latitude != nil && (*u.Latitude < -90 || *u.Latitude > 90) {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidUpdate, *u.Latitude)
	}
	if u.Longitude != nil && (*u.Longitude < -180 || *u.Longitude > 180) {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidUpdate, *u.Longitude)
	}
	if u.Battery != nil && (*u.Battery < 0 || *u.Battery > 100) {
		return fmt.Errorf("%w: battery %v out of range", ErrInvalidUpdate, *u.Battery)
	}
	return nil
}

// Position returns the reported coordinates, if both are present.
func (u DroneUpdate) Position() (lat, lng float64, ok bool) {
	if u.Latitude == nil || u.Longitude == nil {
		return 0, 0, false
	}
	return *u.Latitude, *u.Longitude, true
}

// CartItem is a single line of a cart.
type CartItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

// CartUpdate is published on /topic/cart when a user's cart changes.
type CartUpdate struct {
	UserID string     `json:"userId"`
	CartID string     `json:"cartId,omitempty"`
	Items  []CartItem `json:"items,omitempty"`
	Total  float64    `json:"total,omitempty"`
}

// Validate implements Update
func (u CartUpdate) Validate() error {
	if u.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidUpdate)
	}
	for i, item := range u.Items {
		if item.Quantity < 0 {
			return fmt.Errorf("%w: item %d has negative quantity %d", ErrInvalidUpdate, i, item.Quantity)
		}
	}
	return nil
}

// Decode parses a message body into T and validates it.
func Decode[T Update](body []byte) (T, error) {
	var u T
	if err := json.Unmarshal(body, &u); err != nil {
		return u, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}
