// Package notification decodes batches of upload notifications into file arrivals.
//
// A batch is a queue delivery: a list of messages whose bodies are storage
// event documents. Each event document may describe several uploaded objects.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("notification: malformed payload")

// Batch is a queue delivery of one or more messages.
type Batch struct {
	Records []Message `json:"Records"`
}

// Message is a single queue message. Body holds a JSON storage event.
type Message struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

// Arrival identifies one uploaded object.
type Arrival struct {
	Bucket string
	Key    string
}

type storageEvent struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        *struct {
			Bucket *struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object *struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// DecodeBatch parses a raw queue delivery.
func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &b, nil
}

// Arrivals extracts every object arrival from the batch, in delivery order.
// A message without event records (such as a storage test event) yields none.
// Any undecodable message fails the whole batch.
func (b *Batch) Arrivals() ([]Arrival, error) {
	var out []Arrival
	for i, msg := range b.Records {
		arrivals, err := ParseBody(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("message %d (%s): %w", i, msg.MessageID, err)
		}
		out = append(out, arrivals...)
	}
	return out, nil
}

// ParseBody decodes a single storage event document.
func ParseBody(body string) ([]Arrival, error) {
	var ev storageEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	arrivals := make([]Arrival, 0, len(ev.Records))
	for i, rec := range ev.Records {
		if rec.S3 == nil || rec.S3.Bucket == nil || rec.S3.Object == nil {
			return nil, fmt.Errorf("%w: record %d has no s3 bucket/object", ErrMalformed, i)
		}
		if rec.S3.Bucket.Name == "" || rec.S3.Object.Key == "" {
			return nil, fmt.Errorf("%w: record %d has an empty bucket or key", ErrMalformed, i)
		}

		// Object keys arrive form-encoded ("my+file.csv" for "my file.csv").
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d key %q: %v", ErrMalformed, i, rec.S3.Object.Key, err)
		}
		arrivals = append(arrivals, Arrival{Bucket: rec.S3.Bucket.Name, Key: key})
	}
	return arrivals, nil
}
