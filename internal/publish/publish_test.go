package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(NewPermanent(errors.New("gone"))))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", NewPermanent(errors.New("gone")))))
	assert.False(t, IsPermanent(NewTransient(errors.New("slow"))))
	assert.False(t, IsPermanent(errors.New("unclassified")))
	assert.False(t, IsPermanent(nil))
}

func TestHTTPPublisher(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{status: http.StatusOK},
		{status: http.StatusAccepted},
		{status: http.StatusBadRequest, wantErr: true, permanent: true},
		{status: http.StatusNotFound, wantErr: true, permanent: true},
		{status: http.StatusRequestTimeout, wantErr: true},
		{status: http.StatusTooManyRequests, wantErr: true},
		{status: http.StatusInternalServerError, wantErr: true},
		{status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var got publishRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewHTTP(Config{Endpoint: srv.URL, Token: "secret", Timeout: time.Second})
			err := p.Publish(context.Background(), "article-7")

			assert.Equal(t, "article-7", got.ArticleRef)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestHTTPPublisherNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTP(Config{Endpoint: url, Timeout: time.Second}).Publish(context.Background(), "a")
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
