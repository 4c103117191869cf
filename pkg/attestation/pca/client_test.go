package pca

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/config"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func testClient(t *testing.T, url string) *HTTPClient {
	client, err := NewHTTPClient(
		logging.NewLogger(slog.LevelDebug, nil),
		afero.NewMemMapFs(),
		config.ACA{
			URL:            url,
			EnrollPath:     "/enroll",
			SignPath:       "/sign",
			TimeoutSeconds: 5,
		})
	assert.Nil(t, err)
	return client
}

func TestEnrollAndSignRoundTrip(t *testing.T) {

	var enrollBody, signBody []byte

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			switch r.URL.Path {
			case "/enroll":
				enrollBody = body
				w.Write([]byte("enroll-reply"))
			case "/sign":
				signBody = body
				w.Write([]byte("sign-reply"))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))
	defer server.Close()

	client := testClient(t, server.URL)

	reply, err := client.Enroll(context.Background(), []byte("enroll-request"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("enroll-reply"), reply)
	assert.Equal(t, []byte("enroll-request"), enrollBody)

	reply, err = client.Sign(context.Background(), []byte("sign-request"))
	assert.Nil(t, err)
	assert.Equal(t, []byte("sign-reply"), reply)
	assert.Equal(t, []byte("sign-request"), signBody)
}

func TestHTTPErrorReportsCANotAvailable(t *testing.T) {

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
	defer server.Close()

	client := testClient(t, server.URL)

	_, err := client.Enroll(context.Background(), []byte("request"))
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrCANotAvailable))
}

func TestUnreachableCAReportsCANotAvailable(t *testing.T) {

	// Reserve a port and close it so the connection is refused.
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := testClient(t, url)

	_, err := client.Sign(context.Background(), []byte("request"))
	assert.NotNil(t, err)
	assert.True(t, errors.Is(err, ErrCANotAvailable))
}
