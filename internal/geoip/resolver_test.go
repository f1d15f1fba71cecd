package geoip

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	r := NewResolver(opts, zap.NewNop().Sugar())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestResolvePrivateAddresses(t *testing.T) {
	r := newTestResolver(t, Options{LookupURL: "http://127.0.0.1:1/%s"})

	for _, addr := range []string{"10.1.2.3", "172.16.0.1", "172.31.255.255", "192.168.1.1", "127.0.0.1"} {
		geo := r.Resolve(context.Background(), addr)
		assert.Equal(t, "Private Network", geo.Country, addr)
		assert.Equal(t, "Local", geo.City, addr)
	}

	// Private addresses never touch the cache
	assert.Equal(t, 0, r.CacheSize())

	// 172.32/12 boundary: outside the private block
	geo := r.Resolve(context.Background(), "172.32.0.1")
	assert.NotEqual(t, "Private Network", geo.Country)
}

func TestResolveHTTPLookup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{
			"country_name": "Germany",
			"city": "Berlin",
			"region": "Berlin",
			"latitude": 52.52,
			"longitude": 13.405,
			"timezone": "Europe/Berlin",
			"org": "Example Carrier"
		}`)
	}))
	defer srv.Close()

	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s/json/"})

	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Germany", geo.Country)
	assert.Equal(t, "Berlin", geo.City)
	require.NotNil(t, geo.Latitude)
	assert.Equal(t, 52.52, *geo.Latitude)
	// The lookup backend reports one org string for both attributions
	assert.Equal(t, "Example Carrier", geo.ISP)
	assert.Equal(t, "Example Carrier", geo.Org)

	// Second resolve is served from the cache
	r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.CacheSize())
}

func TestResolveDetailedOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"country_name": "Germany"}`)
	}))
	defer srv.Close()

	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s/json/"})

	_, outcome := r.ResolveDetailed(context.Background(), "10.1.2.3")
	assert.Equal(t, OutcomePrivate, outcome)

	_, outcome = r.ResolveDetailed(context.Background(), "203.0.113.7")
	assert.Equal(t, OutcomeResolved, outcome)

	_, outcome = r.ResolveDetailed(context.Background(), "203.0.113.7")
	assert.Equal(t, OutcomeCached, outcome)

	failing := newTestResolver(t, Options{LookupURL: "http://127.0.0.1:1/%s"})
	_, outcome = failing.ResolveDetailed(context.Background(), "203.0.113.8")
	assert.Equal(t, OutcomeFailed, outcome)

	// A cached failure is still a cache hit
	_, outcome = failing.ResolveDetailed(context.Background(), "203.0.113.8")
	assert.Equal(t, OutcomeCached, outcome)
}

func TestResolveCachesFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s/json/"})

	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Unknown", geo.Country)
	assert.Equal(t, "Unknown", geo.ISP)
	assert.Nil(t, geo.Latitude)

	r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, int32(1), calls.Load(), "failed lookups must be cached too")
}

func TestResolveUnreachableBackend(t *testing.T) {
	r := newTestResolver(t, Options{LookupURL: "http://127.0.0.1:1/%s"})

	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Unknown", geo.Country)
}

func TestResolveMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer srv.Close()

	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s/json/"})
	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Unknown", geo.Country)
}

type fakeMMDB struct {
	result *CityResult
	err    error
	closed bool
}

func (f *fakeMMDB) City(net.IP) (*CityResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeMMDB) Close() error {
	f.closed = true
	return nil
}

func TestResolvePrefersMMDB(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("HTTP backend must not be hit when the MMDB resolves")
	}))
	defer srv.Close()

	mmdb := &fakeMMDB{result: &CityResult{
		Country:   "France",
		City:      "Paris",
		Region:    "IDF",
		Latitude:  48.85,
		Longitude: 2.35,
		Timezone:  "Europe/Paris",
	}}
	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s", MMDB: mmdb})

	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "France", geo.Country)
	assert.Equal(t, "Paris", geo.City)
	require.NotNil(t, geo.Latitude)
	// The local database carries no carrier attribution
	assert.Equal(t, "Unknown", geo.ISP)
}

func TestResolveFallsBackToHTTPOnMMDBMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"country_name": "Japan"}`)
	}))
	defer srv.Close()

	mmdb := &fakeMMDB{err: fmt.Errorf("address not found")}
	r := newTestResolver(t, Options{LookupURL: srv.URL + "/%s", MMDB: mmdb})

	geo := r.Resolve(context.Background(), "203.0.113.7")
	assert.Equal(t, "Japan", geo.Country)
	assert.Equal(t, "Unknown", geo.City)
}

func TestCloseClosesMMDB(t *testing.T) {
	mmdb := &fakeMMDB{}
	r := NewResolver(Options{MMDB: mmdb}, zap.NewNop().Sugar())
	require.NoError(t, r.Close())
	assert.True(t, mmdb.closed)
}
