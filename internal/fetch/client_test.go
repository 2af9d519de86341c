package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plusfeed/harvester/internal/pipeline"
)

const testAPIURL = "https://www.plus.nl/screenservices/ECP_Product_CW/ProductDetails/PDPContent/DataActionGetProductDetailsAndAgeInfo"

type fakeSession struct {
	state    pipeline.SessionState
	err      error
	suspects int
}

func (s *fakeSession) Current() (pipeline.SessionState, error) {
	return s.state, s.err
}

func (s *fakeSession) Refresh(state pipeline.SessionState) {
	s.state = state
}

func (s *fakeSession) MarkSuspect() {
	s.suspects++
}

type fakePool struct {
	endpoint pipeline.ProxyEndpoint
	reports  []pipeline.ProxyOutcome
}

func (p *fakePool) Acquire() pipeline.ProxyEndpoint {
	return p.endpoint
}

func (p *fakePool) Report(_ pipeline.ProxyEndpoint, outcome pipeline.ProxyOutcome) {
	p.reports = append(p.reports, outcome)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestClient(t *testing.T, session *fakeSession, pool *fakePool) *Client {
	t.Helper()
	client := NewClient(
		Config{APIURL: testAPIURL, Timeout: 5 * time.Second},
		session,
		pool,
		&fakeClock{now: time.Unix(1700000000, 0).UTC()},
		zap.NewNop(),
	)
	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func productResponse() string {
	return `{
		"data": {
			"SKU": "553975",
			"ImageURL": "https://images.plus.nl/553975.png",
			"ProductOut": {
				"Overview": {
					"Name": "PLUS Boerentrots BBQ worst tuinkruiden",
					"Brand": "PLUS",
					"Price": "3.49",
					"BaseUnitPrice": "12.46/kg"
				},
				"Ingredients": "varkensvlees, tuinkruiden",
				"Allergen": {"Warning": "", "Description": "Kan sporen van gluten bevatten"},
				"PercentageOfAlcohol": "",
				"Composition": "",
				"Nutrient": {
					"Nutrients": {
						"List": [
							{
								"Description": "Energie",
								"ParentCode": "",
								"QuantityContained": {"Value": "1100", "UoM": "kJ"}
							},
							{
								"Description": "Vetten",
								"ParentCode": "FAT",
								"QuantityContained": {"Value": "22", "UoM": "g"}
							}
						]
					}
				}
			}
		}
	}`
}

func TestFetchSuccessParsesRecord(t *testing.T) {
	session := &fakeSession{state: pipeline.SessionState{
		Cookies:   map[string]string{"SSLB": "1"},
		CSRFToken: "csrf-token",
	}}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	var gotCSRF string
	var gotBody map[string]any
	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		func(req *http.Request) (*http.Response, error) {
			gotCSRF = req.Header.Get("x-csrftoken")
			raw, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(raw, &gotBody)
			return httpmock.NewStringResponse(http.StatusOK, productResponse()), nil
		},
	)

	item := pipeline.NewWorkItem("553975", "https://www.plus.nl/product/plus-boerentrots-bbq-worst-tuinkruiden-krimp-280-g-553975", "")
	record, err := client.Fetch(context.Background(), item)
	require.NoError(t, err)

	require.Equal(t, "553975", record.SKU)
	require.Equal(t, "PLUS Boerentrots BBQ worst tuinkruiden", record.Name)
	require.Equal(t, "3.49", record.Price)
	require.Equal(t, "Kan sporen van gluten bevatten", record.Allergens)
	require.Len(t, record.Nutrients, 2)
	require.Equal(t, "Energie", record.Nutrients[0].Name)
	require.Equal(t, "kJ", record.Nutrients[0].Unit)
	require.False(t, record.ExtractedAt.IsZero())

	require.Equal(t, "csrf-token", gotCSRF)
	screenData := gotBody["screenData"].(map[string]any)
	variables := screenData["variables"].(map[string]any)
	require.Equal(t, "553975", variables["SKU"])

	require.Equal(t, []pipeline.ProxyOutcome{pipeline.ProxySuccess}, pool.reports)
	require.Zero(t, session.suspects)
}

func TestFetchServerErrorIsRetryableTransport(t *testing.T) {
	session := &fakeSession{state: pipeline.SessionState{CSRFToken: "t"}}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"))

	_, err := client.Fetch(context.Background(), pipeline.NewWorkItem("100", "", ""))
	require.Error(t, err)
	require.Equal(t, pipeline.KindTransport, pipeline.KindOf(err))
	require.Equal(t, []pipeline.ProxyOutcome{pipeline.ProxySoftFailure}, pool.reports)
	require.Zero(t, session.suspects)
}

func TestFetchAuthorizationFailureMarksSessionNotProxy(t *testing.T) {
	session := &fakeSession{state: pipeline.SessionState{CSRFToken: "t"}}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusForbidden, "forbidden"))

	_, err := client.Fetch(context.Background(), pipeline.NewWorkItem("100", "", ""))
	require.Error(t, err)
	require.Equal(t, pipeline.KindAuthorization, pipeline.KindOf(err))
	require.Equal(t, 1, session.suspects)
	require.Empty(t, pool.reports)
}

func TestFetchMalformedBodyIsStructural(t *testing.T) {
	session := &fakeSession{state: pipeline.SessionState{CSRFToken: "t"}}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewStringResponder(http.StatusOK, `{"unexpected": true}`))

	_, err := client.Fetch(context.Background(), pipeline.NewWorkItem("100", "", ""))
	require.Error(t, err)
	require.Equal(t, pipeline.KindStructural, pipeline.KindOf(err))
	require.False(t, pipeline.KindOf(err).Retryable())
}

func TestFetchTransportErrorReportsSoftFailure(t *testing.T) {
	session := &fakeSession{state: pipeline.SessionState{CSRFToken: "t"}}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	httpmock.RegisterResponder(http.MethodPost, testAPIURL,
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := client.Fetch(context.Background(), pipeline.NewWorkItem("100", "", ""))
	require.Error(t, err)
	require.Equal(t, pipeline.KindTransport, pipeline.KindOf(err))
	require.Equal(t, []pipeline.ProxyOutcome{pipeline.ProxySoftFailure}, pool.reports)
}

func TestFetchPropagatesSessionExpiry(t *testing.T) {
	session := &fakeSession{err: pipeline.ErrSessionExpired}
	pool := &fakePool{}
	client := newTestClient(t, session, pool)

	_, err := client.Fetch(context.Background(), pipeline.NewWorkItem("100", "", ""))
	require.ErrorIs(t, err, pipeline.ErrSessionExpired)
	require.Empty(t, pool.reports)
}
