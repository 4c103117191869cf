package pca

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/config"
	"github.com/ArthurSonzogni/chromiumos-platform2-sub046/pkg/logging"
	"github.com/spf13/afero"
)

var (
	ErrInvalidCACertificate = errors.New("pca: failed to add CA certificate to x509 certificate pool")
)

const contentType = "application/octet-stream"

// CAClient is the transport boundary to a remote Attestation CA.
// Requests and replies are opaque serialized envelopes; the state
// machines own their encoding. Any error returned here means the CA
// could not be reached, as opposed to the CA rejecting a request.
type CAClient interface {
	Enroll(ctx context.Context, request []byte) ([]byte, error)
	Sign(ctx context.Context, request []byte) ([]byte, error)
}

// HTTPClient posts attestation envelopes to the CA enroll and sign
// endpoints over HTTPS.
type HTTPClient struct {
	client    *http.Client
	config    config.ACA
	enrollURL string
	signURL   string
	logger    *logging.Logger
}

func NewHTTPClient(
	logger *logging.Logger,
	fs afero.Fs,
	acaConfig config.ACA) (*HTTPClient, error) {

	timeout := time.Duration(acaConfig.TimeoutSeconds) * time.Second
	if acaConfig.TimeoutSeconds == 0 {
		timeout = 80 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if acaConfig.CACert != "" {
		pool, err := createCACertPool(fs, acaConfig.CACert)
		if err != nil {
			logger.Error(err)
			return nil, err
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs: pool,
		}
	} else if acaConfig.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		config:    acaConfig,
		enrollURL: acaConfig.URL + acaConfig.EnrollPath,
		signURL:   acaConfig.URL + acaConfig.SignPath,
		logger:    logger,
	}, nil
}

func (hc *HTTPClient) Enroll(ctx context.Context, request []byte) ([]byte, error) {
	return hc.post(ctx, hc.enrollURL, request)
}

func (hc *HTTPClient) Sign(ctx context.Context, request []byte) ([]byte, error) {
	return hc.post(ctx, hc.signURL, request)
}

// post performs one CA round trip. Anything other than a well-formed
// 200 reply is reported as the CA being unavailable; the CA expresses
// rejection inside a 200 body.
func (hc *HTTPClient) post(ctx context.Context, url string, request []byte) ([]byte, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := hc.client.Do(req)
	if err != nil {
		hc.logger.MaybeError(ErrCANotAvailable, "url", url, "cause", err.Error())
		return nil, ErrCANotAvailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		hc.logger.MaybeError(
			ErrCANotAvailable, "url", url, "http_status", resp.StatusCode)
		return nil, ErrCANotAvailable
	}

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		hc.logger.Error(err)
		return nil, ErrCANotAvailable
	}

	return reply, nil
}

func createCACertPool(fs afero.Fs, caCertFile string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	bundle, err := afero.ReadFile(fs, caCertFile)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCACertificate, caCertFile)
	}
	return pool, nil
}
