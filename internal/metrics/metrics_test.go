package metrics

import (
	"testing"
	"time"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	// Helpers must not panic once registered.
	ObserveFetch("success", 120*time.Millisecond)
	ObserveFetch("transport", time.Second)
	SetRetryQueueDepth(3)
	SetProxyState("healthy", 2)
	SetProxyState("dead", 0)
	SetFrontierSize(1500)
}
