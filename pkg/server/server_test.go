package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenmeter/greenmeter/pkg/common"
	"github.com/greenmeter/greenmeter/pkg/greenchoice"
	"github.com/greenmeter/greenmeter/pkg/types"
)

type fixturePortal struct {
	broken bool
}

func (p *fixturePortal) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/api/v2/customers/2222/agreements/1111/meter-readings/%d/", time.Now().UTC().Year()),
		func(w http.ResponseWriter, r *http.Request) {
			if p.broken {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `[
				{"productType": "stroom", "months": [
					{"month": 5, "readings": [
						{"readingDate": "2022-05-06T00:00:00", "normalConsumption": 50000, "offPeakConsumption": 60000}
					]}
				]}
			]`)
		})
	mux.HandleFunc("/api/v2/customers/2222/agreements/1111/contracts/current",
		func(w http.ResponseWriter, r *http.Request) {
			if p.broken {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"contracts": [
				{"productType": "E", "rates": {"usageDependentElectricityRates": {"allInDeliverySingleIncludingVat": 0.25}}}
			]}`)
		})
	mux.HandleFunc("/api/v2/Profiles/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"customerNumber": 2222, "agreementId": 1111, "city": "Amsterdam"}]`)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestServer(t *testing.T, portal *fixturePortal) *Server {
	t.Helper()
	ts := portal.server(t)
	client, err := greenchoice.New(types.Credentials{Username: "user@example.com", Password: "hunter2"},
		greenchoice.WithBaseURL(ts.URL),
		greenchoice.WithSSOURL(ts.URL),
		greenchoice.WithHTTPClient(common.SessionClient(5*time.Second)),
		greenchoice.WithIdentifiers(2222, 1111),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	s := newServer()
	s.client = client
	s.listenAddr = ":0"
	s.interval = time.Hour
	return s
}

func TestRefreshPublishesMetrics(t *testing.T) {
	s := newTestServer(t, &fixturePortal{})
	s.refresh(context.Background())

	assert.Equal(t, 110000.0, testutil.ToFloat64(s.values.WithLabelValues("electricity_consumption_total")))
	assert.Equal(t, 0.25, testutil.ToFloat64(s.values.WithLabelValues("electricity_price_single")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.failureGauge))
	assert.NotZero(t, testutil.ToFloat64(s.lastUpdateGauge))
}

func TestFailureStreakTracking(t *testing.T) {
	portal := &fixturePortal{broken: true}
	s := newTestServer(t, portal)

	s.refresh(context.Background())
	s.refresh(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(s.failureGauge), "empty snapshots count as failures")

	portal.broken = false
	s.refresh(context.Background())
	assert.Equal(t, 0.0, testutil.ToFloat64(s.failureGauge), "a productive cycle resets the streak")
}

func TestHandleSnapshot(t *testing.T) {
	s := newTestServer(t, &fixturePortal{})

	t.Run("BeforeFirstRefresh", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.handleSnapshot(w, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("AfterRefresh", func(t *testing.T) {
		s.refresh(context.Background())
		w := httptest.NewRecorder()
		s.handleSnapshot(w, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Snapshot   types.Snapshot `json:"snapshot"`
			LastUpdate time.Time      `json:"last_update"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Snapshot.ElectricityConsumptionTotal)
		assert.Equal(t, 110000.0, *resp.Snapshot.ElectricityConsumptionTotal)
		assert.False(t, resp.LastUpdate.IsZero())
	})
}

func TestHTTPEndpoints(t *testing.T) {
	s := newTestServer(t, &fixturePortal{})
	s.refresh(context.Background())

	ts := httptest.NewServer(s.setupHandler())
	defer ts.Close()

	t.Run("Healthz", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "greenmeter", resp.Header.Get("Server"))
	})

	t.Run("Profiles", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/profiles")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var profiles []types.Profile
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&profiles))
		require.Len(t, profiles, 1)
		assert.Equal(t, 2222, profiles[0].CustomerNumber)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "greenmeter_last_update_timestamp_seconds")
		assert.Contains(t, string(body), `greenmeter_snapshot_value{field="electricity_consumption_total"}`)
	})
}
