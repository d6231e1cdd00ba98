package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	HeaderGUID          = "guid"
	HeaderLastUpdatedBy = "last_updated_by"
	HeaderRetryCount    = "kafka_retry_count"
	HeaderException     = "exception"
)

// Headers returns the headers of r as a map. Later duplicates win.
func Headers(r *kgo.Record) map[string]string {
	h := make(map[string]string, len(r.Headers))
	for _, rh := range r.Headers {
		h[rh.Key] = string(rh.Value)
	}
	return h
}

func recordHeaders(h map[string]string) []kgo.RecordHeader {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]kgo.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(h[k])})
	}
	return out
}

// NewGUID returns a fresh message identifier for the guid header.
func NewGUID() string {
	return uuid.NewString()
}

func retryCount(h map[string]string) int {
	n, err := strconv.Atoi(h[HeaderRetryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Exception is the payload of the exception header.
type Exception struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ExceptionFor describes err. The name is taken from the first error in the
// chain that has a Name method, else from the dynamic type of the root cause.
// A nil err is described as FailureTopicSend.
func ExceptionFor(err error) Exception {
	if err == nil {
		err = FailureTopicSend
	}
	var named interface{ Name() string }
	if errors.As(err, &named) {
		return Exception{Name: named.Name(), Description: err.Error()}
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return Exception{Name: fmt.Sprintf("%T", root), Description: err.Error()}
}

func (e Exception) header() string {
	b, _ := json.Marshal(e)
	return string(b)
}
