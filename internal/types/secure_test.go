package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

const testSecret = "whsec_live_signing_secret_12345"

func TestSecretString_FmtVerbs(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v"} {
		result := fmt.Sprintf("secret="+verb, s)
		if strings.Contains(result, testSecret) {
			t.Errorf("fmt.Sprintf(%q) leaked the raw secret: %s", verb, result)
		}
	}
}

func TestSecretString_MarshalJSON_InStruct(t *testing.T) {
	type gatewayConfig struct {
		WebhookSecret SecretString `json:"webhook_secret"`
		Name          string       `json:"name"`
	}

	data, err := json.Marshal(gatewayConfig{WebhookSecret: SecretString(testSecret), Name: "paddle"})
	if err != nil {
		t.Fatalf("json.Marshal returned error: %v", err)
	}

	result := string(data)
	if strings.Contains(result, testSecret) {
		t.Errorf("json.Marshal of struct leaked the raw secret: %s", result)
	}
	if !strings.Contains(result, redactedPlaceholder) {
		t.Errorf("json.Marshal of struct did not contain redacted placeholder: %s", result)
	}
}

func TestSecretString_SlogAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("configured gateway", "secret", SecretString(testSecret))

	if strings.Contains(buf.String(), testSecret) {
		t.Errorf("slog output leaked the raw secret: %s", buf.String())
	}
	if !strings.Contains(buf.String(), redactedPlaceholder) {
		t.Errorf("slog output missing placeholder: %s", buf.String())
	}
}

func TestSecretString_UnmaskAndIsSet(t *testing.T) {
	s := SecretString(testSecret)
	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want %q", s.Unmask(), testSecret)
	}
	if !s.IsSet() {
		t.Error("IsSet() = false for a configured secret")
	}
	if SecretString("").IsSet() {
		t.Error("IsSet() = true for an empty secret")
	}
}
