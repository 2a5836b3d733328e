package keys

import (
	"io/ioutil"
	"os"
	"path"
	"reflect"
	"testing"

	"github.com/xorspace/membrane/src/common"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "membrane")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(path.Join(dir, "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	// Initialize a key and try a write
	key, _ = GenerateECDSAKey()

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should get key
	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(*nKey, *key) {
		t.Fatalf("Keys do not match")
	}
}

func TestSignVerify(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	data := []byte("section membership")

	r, s, err := Sign(key, data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !Verify(&key.PublicKey, data, r, s) {
		t.Fatal("signature should verify")
	}

	if Verify(&key.PublicKey, []byte("other data"), r, s) {
		t.Fatal("signature should not verify other data")
	}
}

func TestSignatureEncoding(t *testing.T) {
	key, _ := GenerateECDSAKey()

	r, s, err := Sign(key, []byte("payload"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	enc := EncodeSignature(r, s)

	r2, s2, err := DecodeSignature(enc)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if r.Cmp(r2) != 0 || s.Cmp(s2) != 0 {
		t.Fatal("signature round-trip mismatch")
	}
}

func TestPublicKeyHex(t *testing.T) {
	key, _ := GenerateECDSAKey()

	hexString := PublicKeyHex(&key.PublicKey)

	pubBytes, err := common.DecodeFromString(hexString)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	pub := ToPublicKey(pubBytes)

	if pub.X.Cmp(key.PublicKey.X) != 0 || pub.Y.Cmp(key.PublicKey.Y) != 0 {
		t.Fatal("public key hex round-trip mismatch")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, _ := GenerateECDSAKey()

	dump := DumpPrivateKey(key)

	parsed, err := ParsePrivateKey(dump)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if parsed.D.Cmp(key.D) != 0 {
		t.Fatal("parsed key does not match")
	}
}
