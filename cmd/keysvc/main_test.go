package main

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/acquiring-gateway/internal/hsm"
)

func newTestRouter(svc *hsm.Service) *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1/keys").Subrouter()
	v1.HandleFunc("/{id}", generateKey(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}", getKeyInfo(svc)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/rotate", rotateKey(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/encrypt", encrypt(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/decrypt", decrypt(svc)).Methods(http.MethodPost)
	return r
}

func TestGenerateKeyThenGetKeyInfo(t *testing.T) {
	svc := hsm.New(nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/keys/merchant-card-key", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info hsm.KeyInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 1, info.CurrentVersion)
	assert.Equal(t, hsm.Algorithm, info.Algorithm)
}

func TestEncryptThenDecryptRoundTrip(t *testing.T) {
	svc := hsm.New(nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	plaintext := base64.StdEncoding.EncodeToString([]byte("4242424242424242"))
	aad := base64.StdEncoding.EncodeToString([]byte("pan"))
	body := strings.NewReader(`{"plaintext_b64":"` + plaintext + `","aad_b64":"` + aad + `"}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key/encrypt", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var encResp encryptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encResp))
	assert.Equal(t, 1, encResp.KeyVersion)

	decBody, err := json.Marshal(decryptRequest{
		CiphertextB64: encResp.CiphertextB64,
		NonceB64:      encResp.NonceB64,
		AADB64:        aad,
		KeyVersion:    "1",
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key/decrypt", strings.NewReader(string(decBody)))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decResp))
	raw, err := base64.StdEncoding.DecodeString(decResp["plaintext_b64"])
	require.NoError(t, err)
	assert.Equal(t, "4242424242424242", string(raw))
}

func TestRotateKeyPreservesPriorVersionForDecrypt(t *testing.T) {
	svc := hsm.New(nil)
	router := newTestRouter(svc)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key", nil))

	plaintext := base64.StdEncoding.EncodeToString([]byte("secret"))
	encBody := strings.NewReader(`{"plaintext_b64":"` + plaintext + `","aad_b64":""}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key/encrypt", encBody))
	var encResp encryptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &encResp))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key/rotate", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var rotateResp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotateResp))
	assert.Equal(t, 2, rotateResp["new_version"])
	assert.Equal(t, 1, rotateResp["old_version"])

	decBody, err := json.Marshal(decryptRequest{
		CiphertextB64: encResp.CiphertextB64,
		NonceB64:      encResp.NonceB64,
		AADB64:        "",
		KeyVersion:    "1",
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/keys/merchant-card-key/decrypt", strings.NewReader(string(decBody))))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetKeyInfoNotFound(t *testing.T) {
	svc := hsm.New(nil)
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
