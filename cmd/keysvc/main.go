// Command keysvc is the illustrative standalone HSM key service (spec
// 4.A): a minimal HTTP surface over the hsm.Service used when the key
// service is deployed as its own process rather than embedded in the
// gateway, following the same gorilla/mux + platform middleware shape as
// cmd/gateway.
package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/r3e-network/acquiring-gateway/internal/hsm"
	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
	"github.com/r3e-network/acquiring-gateway/internal/platform/httpmw"
	"github.com/r3e-network/acquiring-gateway/internal/platform/logging"
)

func main() {
	logger := logging.NewFromEnv("keysvc")
	svc := hsm.New(logger)

	router := mux.NewRouter()
	router.Use(httpmw.Recovery(logger))
	router.Use(httpmw.RequestLogging(logger))
	router.HandleFunc("/health", httpmw.HealthHandler(nil)).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1/keys").Subrouter()
	v1.HandleFunc("/{id}", generateKey(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}", getKeyInfo(svc)).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/rotate", rotateKey(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/encrypt", encrypt(svc)).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/decrypt", decrypt(svc)).Methods(http.MethodPost)

	port := os.Getenv("KEYSVC_PORT")
	if port == "" {
		port = "8090"
	}
	server := &http.Server{Addr: ":" + port, Handler: router}

	go func() {
		log.Printf("keysvc listening on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down...")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func generateKey(svc *hsm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := mux.Vars(r)["id"]
		if err := svc.GenerateKey(r.Context(), keyID, hsm.Algorithm); err != nil {
			httpmw.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key_id": keyID, "algorithm": hsm.Algorithm})
	}
}

func getKeyInfo(svc *hsm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := mux.Vars(r)["id"]
		info, err := svc.GetKeyInfo(r.Context(), keyID)
		if err != nil {
			httpmw.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func rotateKey(svc *hsm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := mux.Vars(r)["id"]
		newVersion, oldVersion, err := svc.RotateKey(r.Context(), keyID)
		if err != nil {
			httpmw.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"new_version": newVersion, "old_version": oldVersion})
	}
}

type encryptRequest struct {
	PlaintextB64 string `json:"plaintext_b64"`
	AADB64       string `json:"aad_b64"`
}

type encryptResponse struct {
	CiphertextB64 string `json:"ciphertext_b64"`
	NonceB64      string `json:"nonce_b64"`
	KeyVersion    int    `json:"key_version"`
}

func encrypt(svc *hsm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := mux.Vars(r)["id"]
		var req encryptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpmw.WriteError(w, gwerrors.Validation("MALFORMED_BODY", "request body is not valid JSON"))
			return
		}
		plaintext, err := base64.StdEncoding.DecodeString(req.PlaintextB64)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_PLAINTEXT", "plaintext_b64 must be base64"))
			return
		}
		aad, err := base64.StdEncoding.DecodeString(req.AADB64)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_AAD", "aad_b64 must be base64"))
			return
		}
		ciphertext, nonce, version, err := svc.Encrypt(r.Context(), keyID, plaintext, aad)
		if err != nil {
			httpmw.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, encryptResponse{
			CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
			NonceB64:      base64.StdEncoding.EncodeToString(nonce),
			KeyVersion:    version,
		})
	}
}

type decryptRequest struct {
	CiphertextB64 string `json:"ciphertext_b64"`
	NonceB64      string `json:"nonce_b64"`
	AADB64        string `json:"aad_b64"`
	KeyVersion    string `json:"key_version"`
}

func decrypt(svc *hsm.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID := mux.Vars(r)["id"]
		var req decryptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpmw.WriteError(w, gwerrors.Validation("MALFORMED_BODY", "request body is not valid JSON"))
			return
		}
		version, err := strconv.Atoi(req.KeyVersion)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_KEY_VERSION", "key_version must be an integer"))
			return
		}
		ciphertext, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_CIPHERTEXT", "ciphertext_b64 must be base64"))
			return
		}
		nonce, err := base64.StdEncoding.DecodeString(req.NonceB64)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_NONCE", "nonce_b64 must be base64"))
			return
		}
		aad, err := base64.StdEncoding.DecodeString(req.AADB64)
		if err != nil {
			httpmw.WriteError(w, gwerrors.Validation("INVALID_AAD", "aad_b64 must be base64"))
			return
		}
		plaintext, err := svc.Decrypt(r.Context(), keyID, ciphertext, nonce, aad, version)
		if err != nil {
			httpmw.WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"plaintext_b64": base64.StdEncoding.EncodeToString(plaintext)})
	}
}
