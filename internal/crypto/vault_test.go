package crypto

import (
	"encoding/json"
	"strings"
	"testing"
)

var testCreds = map[string]Credential{
	"binance": {APIKey: "binance-api-key", APISecret: "binance-api-secret"},
	"okx":     {APIKey: "okx-api-key", APISecret: "okx-api-secret", Passphrase: "okx-pass"},
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := Encrypt(testCreds, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decrypt(blob, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("credentials = %d", len(got))
	}
	if got["okx"].Passphrase != "okx-pass" {
		t.Fatalf("okx passphrase = %q", got["okx"].Passphrase)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := Encrypt(testCreds, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(blob, "nope"); err == nil {
		t.Fatal("expected decryption failure")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	blob, err := Encrypt(testCreds, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	var stored vaultJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		t.Fatal(err)
	}
	stored.Ciphertext = strings.Repeat("A", len(stored.Ciphertext))
	tampered, _ := json.Marshal(stored)
	if _, err := Decrypt(tampered, "hunter2"); err == nil {
		t.Fatal("expected GCM authentication failure")
	}
}

func TestEncryptRequiresPassword(t *testing.T) {
	if _, err := Encrypt(testCreds, ""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestVaultOmitsPlaintext(t *testing.T) {
	blob, err := Encrypt(testCreds, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(blob), "binance-api-secret") || strings.Contains(string(blob), "apiSecret") {
		t.Fatal("secret material leaked into the envelope")
	}
}
