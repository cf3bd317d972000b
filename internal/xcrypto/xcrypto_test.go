package xcrypto_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/giapdangle/sapphire/internal/xcrypto"
)

func mustKey(t *testing.T, b []byte) xcrypto.Key {
	t.Helper()

	k, err := xcrypto.NewKey(b)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	return k
}

// TestXCBCMAC96RFC3566Vectors checks the implementation against the
// published RFC 3566 §4 test vectors. The key is
// 000102030405060708090a0b0c0d0e0f and each message is the prefix of
// the ascending byte sequence 00, 01, 02, ... of the given length
// (except the 1000-byte case, which is all zeroes).
func TestXCBCMAC96RFC3566Vectors(t *testing.T) {
	t.Parallel()

	keyBytes, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	key := mustKey(t, keyBytes)

	ascending := make([]byte, 34)
	for i := range ascending {
		ascending[i] = byte(i)
	}

	tests := []struct {
		name    string
		message []byte
		wantHex string
	}{
		{name: "0-byte input", message: nil, wantHex: "75f0251d528ac01c4573dfd5"},
		{name: "3-byte input", message: ascending[:3], wantHex: "5b376580ae2f19afe7219cee"},
		{name: "16-byte input", message: ascending[:16], wantHex: "d2a246fa349b68a79998a439"},
		{name: "20-byte input", message: ascending[:20], wantHex: "47f51b4564966215b8985c63"},
		{name: "32-byte input", message: ascending[:32], wantHex: "f54f0ec8d2b9f3d36807734b"},
		{name: "34-byte input", message: ascending[:34], wantHex: "becbb3bccdb518a30677d548"},
		{name: "1000-byte input", message: make([]byte, 1000), wantHex: "f0dafee895db30253761103b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := xcrypto.XCBCMAC96(key, tt.message)
			if err != nil {
				t.Fatalf("XCBCMAC96: %v", err)
			}

			want, err := hex.DecodeString(tt.wantHex)
			if err != nil {
				t.Fatalf("decode want: %v", err)
			}

			if !bytes.Equal(got[:], want) {
				t.Fatalf("tag = %x, want %s", got, tt.wantHex)
			}
		})
	}
}

func TestXCBCMAC96Deterministic(t *testing.T) {
	t.Parallel()

	key := mustKey(t, bytes.Repeat([]byte{0x2b}, 16))
	msg := []byte("sapphire neighbor beacon payload")

	tag1, err := xcrypto.XCBCMAC96(key, msg)
	if err != nil {
		t.Fatalf("XCBCMAC96: %v", err)
	}
	tag2, err := xcrypto.XCBCMAC96(key, msg)
	if err != nil {
		t.Fatalf("XCBCMAC96: %v", err)
	}

	if tag1 != tag2 {
		t.Fatalf("tag not deterministic: %x != %x", tag1, tag2)
	}
}

func TestXCBCMAC96DiffersPerMessage(t *testing.T) {
	t.Parallel()

	key := mustKey(t, bytes.Repeat([]byte{0x11}, 16))

	tagA, err := xcrypto.XCBCMAC96(key, []byte("frame A"))
	if err != nil {
		t.Fatalf("XCBCMAC96: %v", err)
	}
	tagB, err := xcrypto.XCBCMAC96(key, []byte("frame B"))
	if err != nil {
		t.Fatalf("XCBCMAC96: %v", err)
	}

	if tagA == tagB {
		t.Fatal("distinct messages produced identical tags")
	}
}

func TestXCBCMAC96EmptyAndBlockAlignedMessages(t *testing.T) {
	t.Parallel()

	key := mustKey(t, bytes.Repeat([]byte{0x77}, 16))

	cases := [][]byte{
		{},
		bytes.Repeat([]byte{0x42}, xcrypto.BlockSize),    // exactly one block
		bytes.Repeat([]byte{0x42}, xcrypto.BlockSize*2),  // exactly two blocks
		bytes.Repeat([]byte{0x9}, xcrypto.BlockSize+3),   // one block plus partial
		bytes.Repeat([]byte{0x5}, xcrypto.BlockSize*3-1), // just short of three blocks
	}

	for _, msg := range cases {
		tag, err := xcrypto.XCBCMAC96(key, msg)
		if err != nil {
			t.Fatalf("XCBCMAC96(len=%d): %v", len(msg), err)
		}
		if len(tag) != xcrypto.TagSize {
			t.Fatalf("tag length = %d, want %d", len(tag), xcrypto.TagSize)
		}
	}
}

func TestVerifyTag(t *testing.T) {
	t.Parallel()

	key := mustKey(t, bytes.Repeat([]byte{0x33}, 16))
	msg := []byte("four-way join flash/thunder body")

	tag, err := xcrypto.XCBCMAC96(key, msg)
	if err != nil {
		t.Fatalf("XCBCMAC96: %v", err)
	}

	if !xcrypto.VerifyTag(key, msg, tag) {
		t.Fatal("VerifyTag rejected a correctly computed tag")
	}

	tampered := append([]byte(nil), msg...)
	tampered[0] ^= 0xFF
	if xcrypto.VerifyTag(key, tampered, tag) {
		t.Fatal("VerifyTag accepted a tag for a tampered message")
	}
}

func TestNewKeyRejectsWrongSize(t *testing.T) {
	t.Parallel()

	if _, err := xcrypto.NewKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestEncryptBlockProducesCiphertext(t *testing.T) {
	t.Parallel()

	key := mustKey(t, bytes.Repeat([]byte{0x01}, 16))

	plain := bytes.Repeat([]byte{0xAA}, xcrypto.BlockSize)
	cipherBuf := make([]byte, xcrypto.BlockSize)

	if err := xcrypto.EncryptBlock(key, cipherBuf, plain); err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}

	if bytes.Equal(cipherBuf, plain) {
		t.Fatal("ciphertext equals plaintext")
	}
}
