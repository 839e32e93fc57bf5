package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/testutil"
)

func TestRegistry(t *testing.T) {
	ctx := testutil.TestContext(t)
	reg := NewRegistry(testutil.TestLogger(t))
	drv := testutil.NewFakeDriver()
	opts := []Option{WithOpener(drv), WithLogger(testutil.TestLogger(t))}

	orders, err := reg.Open(fakeConfig("orders"), opts...)
	require.NoError(t, err)
	_, err = reg.Open(fakeConfig("billing"), opts...)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "orders"}, reg.Names())

	_, err = reg.Open(fakeConfig("orders"), opts...)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
	assert.Len(t, reg.Names(), 2)

	got, ok := reg.Lookup("orders")
	require.True(t, ok)
	assert.Same(t, orders, got)
	_, ok = reg.Lookup("missing")
	assert.False(t, ok)

	h, err := orders.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, reg.Remove("orders"))
	_, err = orders.Get(ctx)
	assert.ErrorIs(t, err, poolerrors.ErrPoolClosed)
	assert.Error(t, reg.Remove("orders"))

	require.NoError(t, reg.Close())
	assert.Empty(t, reg.Names())
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	ds, _ := openFake(t, fakeConfig("orders"))
	require.NoError(t, reg.Register(ds))
	err := reg.Register(ds)
	assert.True(t, poolerrors.IsType(err, poolerrors.ErrorTypeConfig))
}
