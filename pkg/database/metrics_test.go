package database

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct{}

func (fakeStats) AcquiredConns() int32        { return 3 }
func (fakeStats) IdleConns() int32            { return 2 }
func (fakeStats) TotalConns() int32           { return 5 }
func (fakeStats) MaxConns() int32             { return 25 }
func (fakeStats) EmptyAcquireCount() int64    { return 7 }
func (fakeStats) CanceledAcquireCount() int64 { return 1 }

func TestPoolStatsCollector(t *testing.T) {
	c := newPoolStatsCollector(func() PoolStats { return fakeStats{} })

	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP checkout_db_pool_acquired_connections Connections currently in use
# TYPE checkout_db_pool_acquired_connections gauge
checkout_db_pool_acquired_connections 3
# HELP checkout_db_pool_empty_acquire_total Acquires that had to wait for a connection
# TYPE checkout_db_pool_empty_acquire_total counter
checkout_db_pool_empty_acquire_total 7
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"checkout_db_pool_acquired_connections", "checkout_db_pool_empty_acquire_total"))
}
