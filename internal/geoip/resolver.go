// Package geoip resolves source addresses to geographic attribution, with an
// in-process cache, an HTTP lookup backend and an optional local MMDB
// database.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivetrap/sentinel/internal/event"
)

// DefaultLookupURL is the HTTP lookup endpoint template. %s is replaced with
// the address being resolved.
const DefaultLookupURL = "https://ipapi.co/%s/json/"

// DefaultTimeout bounds a single HTTP lookup.
const DefaultTimeout = 5 * time.Second

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
}

// privateGeo is the fixed attribution for RFC 1918 and loopback sources.
// Decoys deployed on internal networks report these addresses constantly, so
// they never hit the lookup backend.
var privateGeo = event.Geo{
	Country:  "Private Network",
	City:     "Local",
	Region:   "Private",
	Timezone: "Local",
	ISP:      "Private",
	Org:      "Private Network",
}

// unknownGeo is the degraded attribution used when every lookup path fails.
var unknownGeo = event.Geo{
	Country:  "Unknown",
	City:     "Unknown",
	Region:   "Unknown",
	Timezone: "Unknown",
	ISP:      "Unknown",
	Org:      "Unknown",
}

// MMDBReader is the subset of the local database reader used by the
// resolver. *geoip2.Reader satisfies it.
type MMDBReader interface {
	City(ip net.IP) (*CityResult, error)
	Close() error
}

// CityResult carries the fields the resolver extracts from a local MMDB
// city lookup.
type CityResult struct {
	Country   string
	City      string
	Region    string
	Latitude  float64
	Longitude float64
	Timezone  string
}

// Options configures a Resolver.
type Options struct {
	// LookupURL is a template with one %s for the address. Empty selects
	// DefaultLookupURL.
	LookupURL string
	// Timeout bounds a single HTTP lookup. Zero selects DefaultTimeout.
	Timeout time.Duration
	// MMDB, when non-nil, is consulted before the HTTP backend.
	MMDB MMDBReader
	// HTTPClient overrides the lookup client, primarily for tests.
	HTTPClient *http.Client
}

// Resolver resolves addresses to geographic attribution. Lookups are cached
// for the lifetime of the process, including failed lookups so an
// unresolvable address does not hammer the backend on every event.
type Resolver struct {
	lookupURL string
	client    *http.Client
	mmdb      MMDBReader
	logger    *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string]event.Geo
}

// NewResolver creates a resolver with the given options.
func NewResolver(opts Options, logger *zap.SugaredLogger) *Resolver {
	url := opts.LookupURL
	if url == "" {
		url = DefaultLookupURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Resolver{
		lookupURL: url,
		client:    client,
		mmdb:      opts.MMDB,
		logger:    logger,
		cache:     make(map[string]event.Geo),
	}
}

// Close releases the local database, if any.
func (r *Resolver) Close() error {
	if r.mmdb != nil {
		return r.mmdb.Close()
	}
	return nil
}

// Outcome classifies how one resolution was served.
type Outcome string

const (
	OutcomePrivate  Outcome = "private"
	OutcomeCached   Outcome = "cached"
	OutcomeResolved Outcome = "resolved"
	OutcomeFailed   Outcome = "failed"
)

// Resolve returns the geographic attribution for addr. It never returns an
// error: failed lookups degrade to the Unknown attribution, which is also
// cached.
func (r *Resolver) Resolve(ctx context.Context, addr string) event.Geo {
	geo, _ := r.ResolveDetailed(ctx, addr)
	return geo
}

// ResolveDetailed resolves addr and additionally reports how the result was
// obtained. A cache hit reports OutcomeCached whether the cached attribution
// is a success or a failure.
func (r *Resolver) ResolveDetailed(ctx context.Context, addr string) (event.Geo, Outcome) {
	if isPrivate(addr) {
		return privateGeo, OutcomePrivate
	}

	r.mu.RLock()
	geo, ok := r.cache[addr]
	r.mu.RUnlock()
	if ok {
		return geo, OutcomeCached
	}

	geo = r.lookup(ctx, addr)

	r.mu.Lock()
	r.cache[addr] = geo
	r.mu.Unlock()

	if geo.Country == "Unknown" {
		return geo, OutcomeFailed
	}
	return geo, OutcomeResolved
}

// CacheSize returns the number of cached attributions.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) lookup(ctx context.Context, addr string) event.Geo {
	if r.mmdb != nil {
		if geo, err := r.lookupMMDB(addr); err == nil {
			return geo
		} else {
			r.logger.Debugf("MMDB lookup failed for %s: %v", addr, err)
		}
	}
	return r.lookupHTTP(ctx, addr)
}

func (r *Resolver) lookupMMDB(addr string) (event.Geo, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return event.Geo{}, fmt.Errorf("unparseable address: %s", addr)
	}

	result, err := r.mmdb.City(ip)
	if err != nil {
		return event.Geo{}, err
	}
	if result.Country == "" {
		return event.Geo{}, fmt.Errorf("no country record for %s", addr)
	}

	lat, lon := result.Latitude, result.Longitude
	geo := event.Geo{
		Country:   result.Country,
		City:      orUnknown(result.City),
		Region:    orUnknown(result.Region),
		Latitude:  &lat,
		Longitude: &lon,
		Timezone:  orUnknown(result.Timezone),
		ISP:       "Unknown",
		Org:       "Unknown",
	}
	return geo, nil
}

func (r *Resolver) lookupHTTP(ctx context.Context, addr string) event.Geo {
	url := fmt.Sprintf(r.lookupURL, addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.logger.Warnf("GeoIP lookup error for %s: %v", addr, err)
		return unknownGeo
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warnf("GeoIP lookup error for %s: %v", addr, err)
		return unknownGeo
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Warnf("GeoIP lookup failed for %s: status %d", addr, resp.StatusCode)
		return unknownGeo
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.logger.Warnf("GeoIP response read failed for %s: %v", addr, err)
		return unknownGeo
	}

	var payload struct {
		CountryName string   `json:"country_name"`
		City        string   `json:"city"`
		Region      string   `json:"region"`
		Latitude    *float64 `json:"latitude"`
		Longitude   *float64 `json:"longitude"`
		Timezone    string   `json:"timezone"`
		Org         string   `json:"org"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		r.logger.Warnf("GeoIP response parse failed for %s: %v", addr, err)
		return unknownGeo
	}

	return event.Geo{
		Country:   orUnknown(payload.CountryName),
		City:      orUnknown(payload.City),
		Region:    orUnknown(payload.Region),
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Timezone:  orUnknown(payload.Timezone),
		ISP:       orUnknown(payload.Org),
		Org:       orUnknown(payload.Org),
	}
}

func isPrivate(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, p := range privateRanges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
