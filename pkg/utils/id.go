package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateParticipantID mints the transport-session identifier assigned to a
// participant at connection time.
func GenerateParticipantID() string {
	return GenerateID("peer")
}

func GenerateTransportID() string {
	return GenerateID("transport")
}

func GenerateProducerID() string {
	return GenerateID("producer")
}

func GenerateConsumerID() string {
	return GenerateID("consumer")
}

func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateID returns a prefixed random identifier.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
