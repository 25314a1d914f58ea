package hotornot

import (
	"context"
	"fmt"
	"time"
)

// Sentiment is the crowd verdict on a post.
type Sentiment string

const (
	Hot Sentiment = "hot"
	Not Sentiment = "not"
)

// Valid reports whether s is Hot or Not.
func (s Sentiment) Valid() bool {
	return s == Hot || s == Not
}

// SentimentOracle decides the verdict on a post at vote time.
type SentimentOracle interface {
	Sentiment(ctx context.Context, postCanister string, postID uint64) (Sentiment, error)
}

// ClockOracle calls a post Hot on even milliseconds and Not on odd ones.
// It stands in for a real ranking service.
type ClockOracle struct {
	Now func() time.Time
}

func (o ClockOracle) Sentiment(_ context.Context, _ string, _ uint64) (Sentiment, error) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	if now().UnixMilli()%2 == 0 {
		return Hot, nil
	}
	return Not, nil
}

// FixedOracle always returns the same verdict.
type FixedOracle Sentiment

func (o FixedOracle) Sentiment(_ context.Context, _ string, _ uint64) (Sentiment, error) {
	s := Sentiment(o)
	if !s.Valid() {
		return "", fmt.Errorf("hotornot: invalid fixed sentiment %q", s)
	}
	return s, nil
}
