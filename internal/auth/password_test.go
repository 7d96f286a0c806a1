package auth

import "testing"

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher(4) // minimum bcrypt cost keeps the test fast

	digest, err := h.Hash("s3cret-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if digest == "s3cret-password" {
		t.Fatal("digest must not equal the plaintext")
	}
	if !h.Verify(digest, "s3cret-password") {
		t.Fatal("correct password rejected")
	}
	if h.Verify(digest, "wrong-password") {
		t.Fatal("wrong password accepted")
	}
}

func TestHasherDistinctDigests(t *testing.T) {
	h := NewHasher(4)
	a, err := h.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	b, err := h.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if a == b {
		t.Fatal("two hashes of the same password must differ (salted)")
	}
	if !h.Verify(a, "same-password") || !h.Verify(b, "same-password") {
		t.Fatal("both digests must verify")
	}
}

func TestHasherMalformedDigest(t *testing.T) {
	h := NewHasher(4)
	if h.Verify("not-a-bcrypt-digest", "whatever") {
		t.Fatal("malformed digest must not verify")
	}
	if h.Verify("", "whatever") {
		t.Fatal("empty digest must not verify")
	}
}
