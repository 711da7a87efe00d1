package broker

import (
	"fmt"
	"strings"
)

// ValidateDestination checks that destination is a path-like broker
// destination such as /topic/orders.
func ValidateDestination(destination string) error {
	if destination == "" {
		return fmt.Errorf("destination cannot be empty")
	}

	if !strings.HasPrefix(destination, "/") {
		return fmt.Errorf("destination must start with '/'")
	}

	if strings.ContainsAny(destination, "+#*> \t\n") {
		return fmt.Errorf("wildcards and whitespace not allowed in destination")
	}

	segments := strings.Split(destination[1:], "/")
	for i, segment := range segments {
		// Allow a trailing slash only
		if segment == "" && i != len(segments)-1 {
			return fmt.Errorf("empty segment not allowed in destination")
		}
	}
	if len(segments) == 1 && segments[0] == "" {
		return fmt.Errorf("destination has no segments")
	}

	return nil
}

// ToMQTTTopic converts a destination to MQTT topic format by dropping the
// leading and trailing slashes: /topic/orders -> topic/orders.
func ToMQTTTopic(destination string) string {
	return strings.Trim(destination, "/")
}

// ToNATSSubject converts a destination to NATS subject format:
// /topic/orders -> topic.orders.
func ToNATSSubject(destination string) string {
	return strings.ReplaceAll(ToMQTTTopic(destination), "/", ".")
}
