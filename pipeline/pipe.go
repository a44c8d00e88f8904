/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package pipeline

import (
	"context"

	"github.com/tryfix/transcoder"
)

// Source delivers messages, ordered within a partition
type Source interface {
	Fetch(ctx context.Context) (transcoder.Message, error)
	// Commit marks msg and everything before it on its partition as processed
	Commit(ctx context.Context, msg transcoder.Message) error
	Close() error
}

// Sink publishes transcoded messages, at least once
type Sink interface {
	Send(ctx context.Context, msg transcoder.Message) error
	Close() error
}

// DeadLetter receives messages that can never be transcoded, along with the reason
type DeadLetter interface {
	Send(ctx context.Context, msg transcoder.Message, cause *transcoder.TranscodeError) error
	Close() error
}

// Stage is the transformation applied to every message (*transcoder.Transcoder)
type Stage interface {
	Transcode(ctx context.Context, msg transcoder.Message) (transcoder.Message, error)
}
