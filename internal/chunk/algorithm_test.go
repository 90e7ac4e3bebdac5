package chunk

import (
	"strings"
	"testing"
)

func TestAlgorithm_KnownValues(t *testing.T) {
	data := []byte("hello")
	tests := []struct {
		id   string
		kind Kind
		want string
	}{
		{"crc32", KindChecksum, "907060870"},
		{"adler32", KindChecksum, "103547413"},
		{"sha256", KindHash, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
		{"md5", KindHash, "5d41402abc4b2a76b9719d911017c592"},
		{"sha1", KindHash, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			a, err := Lookup(tt.id, tt.kind)
			if err != nil {
				t.Fatal(err)
			}
			if got := a.Compute(data); got != tt.want {
				t.Errorf("Compute() = %s, want %s", got, tt.want)
			}
			if got := a.Header(data); got != tt.id+":"+tt.want {
				t.Errorf("Header() = %s", got)
			}
		})
	}
}

func TestAlgorithm_Verify(t *testing.T) {
	data := []byte("payload")
	for _, kind := range []Kind{KindChecksum, KindHash} {
		for _, id := range Supported(kind) {
			a, _ := Lookup(id, kind)
			t.Run(id, func(t *testing.T) {
				if err := a.Verify("Chunk-X", a.Compute(data), data); err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				err := a.Verify("Chunk-X", a.Compute([]byte("other")), data)
				if err == nil || !strings.Contains(err.Error(), "Chunk-X mismatch") {
					t.Errorf("expected mismatch, got %v", err)
				}
			})
		}
	}
}

func TestAlgorithm_VerifyHashIgnoresCase(t *testing.T) {
	a, _ := Lookup("sha256", KindHash)
	data := []byte("x")
	if err := a.Verify("Chunk-Hash", strings.ToUpper(a.Compute(data)), data); err != nil {
		t.Errorf("expected case-insensitive match, got %v", err)
	}
}

func TestAlgorithm_VerifyChecksumNotParseable(t *testing.T) {
	a, _ := Lookup("crc32c", KindChecksum)
	err := a.Verify("Chunk-Checksum", "0xFF", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "value (not parseable)") {
		t.Errorf("expected not parseable error, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	if _, err := Lookup("crc64", KindChecksum); err == nil || !strings.Contains(err.Error(), "unsupported checksum algorithm") {
		t.Errorf("expected unsupported error, got %v", err)
	}
	if _, err := Lookup("md5", KindChecksum); err == nil {
		t.Error("expected kind mismatch error")
	}
	if got := strings.Join(Supported(KindChecksum), ","); got != "adler32,crc32,crc32c,xxh64" {
		t.Errorf("Supported(checksum) = %s", got)
	}
	if got := strings.Join(Supported(KindHash), ","); got != "md5,sha1,sha256,sha512" {
		t.Errorf("Supported(hash) = %s", got)
	}
}

func TestParseIntegrity(t *testing.T) {
	got, err := parseIntegrity(HeaderChunkHash, "sha256:abc:def", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.algorithm != "sha256" || got.value != "abc:def" {
		t.Errorf("parsed %+v", got)
	}

	_, err = parseIntegrity(HeaderChunkHash, "abc", "")
	if err == nil || !strings.Contains(err.Error(), "'<algorithm-id>:' prefix") {
		t.Errorf("unexpected error %v", err)
	}
	_, err = parseIntegrity(HeaderChunkHash, ":abc", "sha256")
	if err == nil || !strings.Contains(err.Error(), "'sha256:' prefix") {
		t.Errorf("unexpected error %v", err)
	}
}
