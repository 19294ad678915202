package orion

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karelia-iot/mqtt-gateway/internal/logger"
)

type captured struct {
	method      string
	path        string
	query       string
	service     string
	servicePath string
	contentType string
	body        string
}

func newTestClient(t *testing.T, status int, respBody string) (*Client, *captured) {
	t.Helper()
	got := new(captured)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = captured{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			service:     r.Header.Get("fiware-service"),
			servicePath: r.Header.Get("fiware-servicepath"),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		}
		w.WriteHeader(status)
		io.WriteString(w, respBody)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		URL:         srv.URL,
		Service:     "gateway",
		ServicePath: "/gateway",
	}, logger.Nop())
	return client, got
}

func TestUpdateAttributesRequestShape(t *testing.T) {
	client, got := newTestClient(t, http.StatusNoContent, "")

	err := client.UpdateAttributes(context.Background(), "Room:1", "Room", NumberUpdate("temperature", 22.5))
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/v2/entities/Room:1/attrs", got.path)
	assert.Equal(t, "type=Room", got.query)
	assert.Equal(t, "gateway", got.service)
	assert.Equal(t, "/gateway", got.servicePath)
	assert.Equal(t, "application/json", got.contentType)
	assert.JSONEq(t, `{"temperature":{"type":"Number","value":22.5}}`, got.body)
}

func TestUpdateAttributesNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.StatusNotFound, `{"error":"NotFound"}`)

	err := client.UpdateAttributes(context.Background(), "Room:404", "Room", NumberUpdate("temperature", 1))
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestUpdateAttributesServerError(t *testing.T) {
	client, _ := newTestClient(t, http.StatusInternalServerError, "")

	err := client.UpdateAttributes(context.Background(), "Room:1", "Room", NumberUpdate("temperature", 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEntityNotFound)
}

func TestUpdateAttributesTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests} {
		client, _ := newTestClient(t, status, `{"error":"TooManyRequests"}`)

		err := client.UpdateAttributes(context.Background(), "Room:1", "Room", NumberUpdate("temperature", 1))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrEntityNotFound)
		// unlike ordinary 4xx, the body is not part of the error
		assert.NotContains(t, err.Error(), "TooManyRequests")
	}
}

func TestUpdateAttributesClientErrorCarriesBody(t *testing.T) {
	client, _ := newTestClient(t, http.StatusUnprocessableEntity, `{"error":"Unprocessable"}`)

	err := client.UpdateAttributes(context.Background(), "Room:1", "Room", NumberUpdate("temperature", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unprocessable")
}

func TestUpdateAttributesConnectionRefused(t *testing.T) {
	client := NewClient(Config{
		URL:         "http://127.0.0.1:1",
		Service:     "gateway",
		ServicePath: "/gateway",
	}, logger.Nop())

	err := client.UpdateAttributes(context.Background(), "Room:1", "Room", NumberUpdate("temperature", 1))
	assert.Error(t, err)
}

func TestNumberUpdateShape(t *testing.T) {
	upd := NumberUpdate("temperature", 22.5)
	assert.Equal(t, Update{"temperature": {Type: "Number", Value: 22.5}}, upd)
}
