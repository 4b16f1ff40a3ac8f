package sentinel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Webhook bodies larger than this are rejected outright.
const maxWebhookBody = 1 << 20

// verifyWebhookSignature authenticates POST /webhook requests: the
// X-Hub-Signature-256 header must carry an HMAC-SHA256 of the raw body
// under the configured secret. The body is buffered and restored so the
// handler sees it unchanged.
func (s *Server) verifyWebhookSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature, err := extractSignature(r.Header)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > maxWebhookBody {
			http.Error(w, "Body too large", http.StatusBadRequest)
			return
		}

		if !validSignature(s.cfg.WebhookSecret(), body, signature) {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("invalid webhook signature")
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func extractSignature(headers http.Header) ([]byte, error) {
	header := headers.Get("X-Hub-Signature-256")
	if header == "" {
		return nil, errors.New("Missing X-Hub-Signature-256 header")
	}
	hexDigest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return nil, errors.New("Invalid signature format, expected sha256=...")
	}
	signature, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, errors.New("Invalid signature hex")
	}
	return signature, nil
}

func validSignature(secret, body, signature []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), signature)
}

// handleWebhook relays an authenticated VCS push event to Hydra so it
// re-evaluates the affected jobsets.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Info().Int("bytes", len(body)).Msg("received push event")

	response, err := s.hydra.Push(r.Context(), body)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to relay push event")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.log.Info().RawJSON("response", response).Msg("push event relayed")
	w.WriteHeader(http.StatusOK)
}
