package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/erp"
)

type countingSource struct {
	itemCalls     atomic.Int32
	locationCalls atomic.Int32
	gate          chan struct{}
	err           error
}

func (s *countingSource) Items(_ context.Context, companyID string) ([]erp.Item, error) {
	s.itemCalls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return []erp.Item{
		{ItemNo: "WIDGET-02", Desc: "Blue Widget", StockUnit: "EA", StdCost: decimal.RequireFromString("4.5")},
		{ItemNo: "BOLT-10", Desc: "Hex bolt M10", StockUnit: "EA", StdCost: decimal.RequireFromString("0.25")},
		{ItemNo: "OLD-1", Desc: "Discontinued widget", Inactive: true},
	}, nil
}

func (s *countingSource) Locations(_ context.Context, companyID string) ([]erp.Location, error) {
	s.locationCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []erp.Location{
		{Code: "SG", Desc: "Sales Godown", City: "Surabaya"},
		{Code: "WH1", Desc: "Main Warehouse", City: "Jakarta"},
	}, nil
}

func newService(t *testing.T, src Source) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(src, NewCache(client, time.Minute)), mr
}

func TestItemsFiltersAndCaches(t *testing.T) {
	src := &countingSource{}
	svc, _ := newService(t, src)
	ctx := context.Background()

	items, err := svc.Items(ctx, "SMP", "widget")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "WIDGET-02", items[0].ItemNo)
	require.True(t, items[0].StdCost.Equal(decimal.RequireFromString("4.5")))

	all, err := svc.Items(ctx, "SMP", "")
	require.NoError(t, err)
	require.Equal(t, []string{"BOLT-10", "WIDGET-02"}, []string{all[0].ItemNo, all[1].ItemNo})
	require.EqualValues(t, 1, src.itemCalls.Load())

	byCode, err := svc.ItemsByCode(ctx, "SMP")
	require.NoError(t, err)
	require.Contains(t, byCode, "OLD-1")
	require.EqualValues(t, 1, src.itemCalls.Load())
}

func TestRefreshInvalidates(t *testing.T) {
	src := &countingSource{}
	svc, _ := newService(t, src)
	ctx := context.Background()

	_, err := svc.Locations(ctx, "SMP", "")
	require.NoError(t, err)
	require.NoError(t, svc.Refresh(ctx))
	locs, err := svc.Locations(ctx, "SMP", "jakarta")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, "WH1", locs[0].Code)
	require.EqualValues(t, 2, src.locationCalls.Load())
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	src := &countingSource{gate: make(chan struct{})}
	svc, _ := newService(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Items(ctx, "SMP", "bolt")
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return src.itemCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.LessOrEqual(t, src.itemCalls.Load(), int32(2))
}

func TestLookupErrors(t *testing.T) {
	svc, _ := newService(t, &countingSource{err: errors.New("ledger offline")})
	_, err := svc.Items(context.Background(), "SMP", "")
	require.EqualError(t, err, "ledger offline")

	_, err = svc.Locations(context.Background(), " ", "")
	require.ErrorIs(t, err, ErrCompanyRequired)
}

func TestServiceWithoutCache(t *testing.T) {
	src := &countingSource{}
	svc := NewService(src, nil)
	locs, err := svc.Locations(context.Background(), "SMP", "sg")
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.NoError(t, svc.Refresh(context.Background()))
}

func TestCacheVersioning(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	key, err := cache.BuildKey(ctx, "catalog", "items", "SMP")
	require.NoError(t, err)
	require.Equal(t, "catalog:items:SMP:1", key)

	require.NoError(t, cache.Bump(ctx))
	key, err = cache.BuildKey(ctx, "catalog", "items", "SMP")
	require.NoError(t, err)
	require.Equal(t, "catalog:items:SMP:2", key)
}
