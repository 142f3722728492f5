package catalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/radio-atlas-relay/catalog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func station(id, name, url string) catalog.Station {
	return catalog.Station{ID: id, Name: name, URL: url}
}

// pagedMirror serves total stations in pages honouring limit/offset.
func pagedMirror(t *testing.T, total int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "RadioAtlas/1.0", r.Header.Get("X-User-Agent"))
		assert.Equal(t, "clickcount", r.URL.Query().Get("order"))
		assert.Equal(t, "true", r.URL.Query().Get("reverse"))

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		var page []catalog.Station
		for i := offset; i < total && i < offset+limit; i++ {
			page = append(page, station("id-"+strconv.Itoa(i), "Station", "http://s.example/"+strconv.Itoa(i)))
		}
		if page == nil {
			page = []catalog.Station{}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failingMirror(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNormalize(t *testing.T) {
	lat := 52.5
	raw := []catalog.Station{
		{ID: "a", Name: "  Alpha ", URL: "http://a.example", ResolvedURL: "http://a.example/live", Lat: &lat},
		{ID: "a", Name: "Duplicate", URL: "http://dup.example"},
		{ID: "b", Name: "", URL: "http://b.example", Tags: " rock,, indie ,"},
		{ID: "c", Name: "No URL"},
		{ID: "", Name: "No ID", URL: "http://x.example"},
	}
	want := []catalog.Station{
		{ID: "a", Name: "Alpha", URL: "http://a.example", ResolvedURL: "http://a.example/live", Lat: &lat},
		{ID: "b", Name: "Unknown Station", URL: "http://b.example", ResolvedURL: "http://b.example", Tags: "rock,indie"},
	}
	if diff := cmp.Diff(want, catalog.Normalize(raw)); diff != "" {
		t.Errorf("Normalize mismatch (-want +got):\n%s", diff)
	}
}

func TestStationDecodesNullGeo(t *testing.T) {
	var st catalog.Station
	require.NoError(t, json.Unmarshal([]byte(`{"stationuuid":"x","name":"X","geo_lat":null,"geo_long":13.4,"tags":"jazz, ,news"}`), &st))
	assert.Nil(t, st.Lat)
	require.NotNil(t, st.Lon)
	assert.InDelta(t, 13.4, *st.Lon, 1e-9)
	assert.Equal(t, []string{"jazz", "news"}, st.TagList())
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, catalog.ModeFast, catalog.ParseMode("fast"))
	assert.Equal(t, catalog.ModeFull, catalog.ParseMode("full"))
	assert.Equal(t, catalog.ModeFull, catalog.ParseMode(""))
	assert.Equal(t, catalog.ModeFull, catalog.ParseMode("FAST"))
}

func TestFullModePaginatesUntilShortPage(t *testing.T) {
	var calls atomic.Int32
	mirror := pagedMirror(t, 25, &calls)
	svc := catalog.NewService(catalog.Config{Mirrors: []string{mirror.URL}, PageLimit: 10}, nil, nil)

	stations, err := svc.Stations(context.Background(), catalog.ModeFull)
	require.NoError(t, err)
	assert.Len(t, stations, 25)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFullModeStopsAtMaxPages(t *testing.T) {
	var calls atomic.Int32
	mirror := pagedMirror(t, 1000, &calls)
	svc := catalog.NewService(catalog.Config{Mirrors: []string{mirror.URL}, PageLimit: 10, MaxPages: 5}, nil, nil)

	stations, err := svc.Stations(context.Background(), catalog.ModeFull)
	require.NoError(t, err)
	assert.Len(t, stations, 50)
	assert.Equal(t, int32(5), calls.Load())
}

func TestFastModeLoadsOnePage(t *testing.T) {
	var calls atomic.Int32
	mirror := pagedMirror(t, 1000, &calls)
	svc := catalog.NewService(catalog.Config{Mirrors: []string{mirror.URL}, PageLimit: 10}, nil, nil)

	stations, err := svc.Stations(context.Background(), catalog.ModeFast)
	require.NoError(t, err)
	assert.Len(t, stations, 10)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachesPerMode(t *testing.T) {
	var calls atomic.Int32
	mirror := pagedMirror(t, 5, &calls)
	svc := catalog.NewService(catalog.Config{Mirrors: []string{mirror.URL}, PageLimit: 10}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := svc.Stations(context.Background(), catalog.ModeFast)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	_, err := svc.Stations(context.Background(), catalog.ModeFull)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFirstNonEmptyMirrorWins(t *testing.T) {
	var calls atomic.Int32
	broken := failingMirror(t, http.StatusServiceUnavailable)
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(empty.Close)
	good := pagedMirror(t, 3, &calls)

	svc := catalog.NewService(catalog.Config{
		Mirrors:   []string{broken.URL, empty.URL, good.URL},
		PageLimit: 10,
	}, nil, nil)

	stations, err := svc.Stations(context.Background(), catalog.ModeFast)
	require.NoError(t, err)
	assert.Len(t, stations, 3)
}

func TestAllMirrorsFail(t *testing.T) {
	a := failingMirror(t, http.StatusInternalServerError)
	b := failingMirror(t, http.StatusBadGateway)
	svc := catalog.NewService(catalog.Config{Mirrors: []string{a.URL, b.URL}}, nil, nil)

	_, err := svc.Stations(context.Background(), catalog.ModeFast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, catalog.ErrAllMirrorsFailed))
	assert.Contains(t, err.Error(), "radio browser status 500")
	assert.Contains(t, err.Error(), "radio browser status 502")
}

func TestSlowMirrorTimesOut(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	svc := catalog.NewService(catalog.Config{
		Mirrors:        []string{slow.URL},
		RequestTimeout: 50 * time.Millisecond,
	}, nil, nil)

	_, err := svc.Stations(context.Background(), catalog.ModeFast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCacheExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := catalog.NewCache[int](func() time.Time { return now })

	c.Set("k", 7, time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)

	c.Set("other", 1, time.Minute)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 1, stats.CurrentSize)
}
