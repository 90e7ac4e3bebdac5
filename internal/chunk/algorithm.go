package chunk

import (
	"crypto/md5"  //nolint:gosec // integrity check, not security
	"crypto/sha1" //nolint:gosec // integrity check, not security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/adler32"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Kind distinguishes numeric checksums from digest hashes.
type Kind int

const (
	KindChecksum Kind = iota
	KindHash
)

func (k Kind) String() string {
	if k == KindChecksum {
		return "checksum"
	}
	return "hash"
}

// Algorithm computes and verifies one integrity value.
type Algorithm struct {
	ID   string
	Kind Kind
	new  func() hash.Hash
	sum  func(h hash.Hash) uint64
}

// Compute returns the formatted value for data: a decimal number for
// checksums and lower-case hex for hashes.
func (a Algorithm) Compute(data []byte) string {
	h := a.new()
	_, _ = h.Write(data)
	if a.Kind == KindChecksum {
		return strconv.FormatUint(a.sum(h), 10)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Header formats "<id>:<value>" for data.
func (a Algorithm) Header(data []byte) string {
	return formatIntegrity(a.ID, a.Compute(data))
}

// Verify checks a declared value against data. Checksum values that do not
// parse as unsigned decimal numbers are reported as not parseable.
func (a Algorithm) Verify(header, declared string, data []byte) error {
	computed := a.Compute(data)
	if a.Kind == KindChecksum {
		want, err := strconv.ParseUint(declared, 10, 64)
		if err != nil {
			return fmt.Errorf("%s header has invalid %s value (not parseable): %q", header, a.ID, declared)
		}
		got, _ := strconv.ParseUint(computed, 10, 64)
		if want != got {
			return fmt.Errorf("%s mismatch: declared %s:%d, computed %s:%d", header, a.ID, want, a.ID, got)
		}
		return nil
	}
	if !strings.EqualFold(declared, computed) {
		return fmt.Errorf("%s mismatch: declared %s:%s, computed %s:%s", header, a.ID, declared, a.ID, computed)
	}
	return nil
}

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	sum32 = func(h hash.Hash) uint64 { return uint64(h.(hash.Hash32).Sum32()) }
	sum64 = func(h hash.Hash) uint64 { return h.(hash.Hash64).Sum64() }
)

var algorithms = map[string]Algorithm{
	"crc32":   {ID: "crc32", Kind: KindChecksum, new: func() hash.Hash { return crc32.NewIEEE() }, sum: sum32},
	"crc32c":  {ID: "crc32c", Kind: KindChecksum, new: func() hash.Hash { return crc32.New(crc32cTable) }, sum: sum32},
	"adler32": {ID: "adler32", Kind: KindChecksum, new: func() hash.Hash { return adler32.New() }, sum: sum32},
	"xxh64":   {ID: "xxh64", Kind: KindChecksum, new: func() hash.Hash { return xxhash.New() }, sum: sum64},
	"sha256":  {ID: "sha256", Kind: KindHash, new: sha256.New},
	"sha512":  {ID: "sha512", Kind: KindHash, new: sha512.New},
	"sha1":    {ID: "sha1", Kind: KindHash, new: sha1.New},
	"md5":     {ID: "md5", Kind: KindHash, new: md5.New},
}

// Default algorithms used by the splitter.
const (
	DefaultChecksum = "crc32"
	DefaultHash     = "sha256"
)

// Lookup returns the algorithm registered under id with the given kind.
func Lookup(id string, kind Kind) (Algorithm, error) {
	a, ok := algorithms[id]
	if !ok {
		return Algorithm{}, fmt.Errorf("unsupported %s algorithm %q (supported: %s)", kind, id, strings.Join(Supported(kind), ", "))
	}
	if a.Kind != kind {
		return Algorithm{}, fmt.Errorf("algorithm %q is a %s, not a %s", id, a.Kind, kind)
	}
	return a, nil
}

// Supported lists algorithm ids of a kind in sorted order.
func Supported(kind Kind) []string {
	var ids []string
	for id, a := range algorithms {
		if a.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
