/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"fmt"
	"time"
)

// Message is a broker record flowing through the transcoding stage. Messages are
// treated as immutable, Transcode builds a new one for its output.
type Message struct {
	Key       []byte // nil when the record has no key
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string][]byte
	Timestamp time.Time
}

// Coordinates returns topic/partition/offset of the message in a loggable form
func (m Message) Coordinates() string {
	return fmt.Sprintf(`%s[%d]@%d`, m.Topic, m.Partition, m.Offset)
}
