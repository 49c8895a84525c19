package utils

import (
	"time"
)

// Delivery engine defaults
const (
	// DefaultDedupTTL is how long an inbound event claim stays live
	DefaultDedupTTL = 6 * time.Hour

	// DefaultVisibilityTimeout must exceed a full batch of transport calls at their timeout
	DefaultVisibilityTimeout = 3 * time.Minute

	// DefaultMaxReceiveCount is the redrive ceiling before an item is dead-lettered
	DefaultMaxReceiveCount = 5

	// DefaultLongPollWait bounds how long Receive blocks on an empty queue
	DefaultLongPollWait = 20 * time.Second

	// DefaultRegion is used to parse phone numbers without a leading +
	DefaultRegion = "IR"
)

// Queue names
const (
	InboundQueueName   = "inbound"
	OutboundQueueName  = "outbound"
	AnalyticsQueueName = "analytics"
)
