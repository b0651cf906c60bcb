package crypto

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// fakeKMS reverses the plaintext and checks the encryption context.
type fakeKMS struct{}

func (fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	if in.EncryptionContext["purpose"] == "" {
		return nil, fmt.Errorf("missing encryption context")
	}
	return &kms.EncryptOutput{CiphertextBlob: reverse(in.Plaintext)}, nil
}

func (fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if in.EncryptionContext["purpose"] != "doclock-drive-credential" {
		return nil, fmt.Errorf("encryption context mismatch")
	}
	return &kms.DecryptOutput{Plaintext: reverse(in.CiphertextBlob)}, nil
}

func reverse(b []byte) []byte {
	out := bytes.Clone(b)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func TestKMSService_RoundTrip(t *testing.T) {
	s := NewKMSService(fakeKMS{}, "alias/test")
	ctx := context.Background()

	ct, err := s.Encrypt(ctx, "refresh-token")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ct == "refresh-token" {
		t.Fatal("ciphertext should differ from plaintext")
	}
	pt, err := s.Decrypt(ctx, ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if pt != "refresh-token" {
		t.Errorf("Expected round trip, got %q", pt)
	}
}

func TestKMSService_DecryptInvalidBase64(t *testing.T) {
	s := NewKMSService(fakeKMS{}, "alias/test")
	if _, err := s.Decrypt(context.Background(), "%%%"); err == nil {
		t.Error("Expected decode error")
	}
}

func TestMockEncryptor(t *testing.T) {
	m := NewMockEncryptor()
	ct, _ := m.Encrypt(context.Background(), "abc")
	if ct != "mock:abc" {
		t.Errorf("Expected mock:abc, got %q", ct)
	}
	pt, _ := m.Decrypt(context.Background(), ct)
	if pt != "abc" {
		t.Errorf("Expected abc, got %q", pt)
	}
}
