package slack_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	workspaceslack "github.com/Pavilion-devs/slack-agent/workspace/slack"
)

func signedHeader(secret string, ts int64, body []byte) http.Header {
	base := fmt.Sprintf("v0:%d:%s", ts, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", strconv.FormatInt(ts, 10))
	h.Set("X-Slack-Signature", sig)
	return h
}

func TestVerifySignature_AcceptsValidSignature(t *testing.T) {
	secret := "shh-its-a-secret"
	body := []byte(`{"type":"event_callback"}`)
	header := signedHeader(secret, time.Now().Unix(), body)

	err := workspaceslack.VerifySignature(secret, header, body)
	assert.NoError(t, err)
}

func TestVerifySignature_RejectsTamperedBody(t *testing.T) {
	secret := "shh-its-a-secret"
	header := signedHeader(secret, time.Now().Unix(), []byte(`{"type":"event_callback"}`))

	err := workspaceslack.VerifySignature(secret, header, []byte(`{"type":"tampered"}`))
	assert.Error(t, err)
}
