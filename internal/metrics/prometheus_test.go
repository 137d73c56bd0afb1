//go:build !noprom

package metrics

import (
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPromRecorderCounts(t *testing.T) {
	p := newPromRecorder(prom.NewRegistry())

	p.IncStoreOpTotal("graph", "get_node", true)
	p.IncStoreOpTotal("graph", "get_node", true)
	p.IncStoreOpTotal("graph", "get_node", false)
	p.ObservePoolStats("relational", 3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.storeTotal.WithLabelValues("graph", "get_node", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.storeTotal.WithLabelValues("graph", "get_node", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.poolInUse.WithLabelValues("relational")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.poolIdle.WithLabelValues("relational")))
}
