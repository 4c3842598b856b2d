package events

import (
	"net/http"
	"time"
)

// HTTPStart is published when the GraphQL handler receives a request. The
// context carries the request id.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is published once the response is complete. For event streams
// that is when the subscription ends, so Duration covers its whole life.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Stream   bool // response was text/event-stream
	Duration time.Duration
}
