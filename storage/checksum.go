package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"hash/crc32"
)

// ChecksumKind selects the trailer discipline written into every page and
// carried in meta.checksum_kind.
type ChecksumKind byte

const (
	ChecksumCRC32  ChecksumKind = 0
	ChecksumCRC32C ChecksumKind = 1
)

// TrailerSize is the fixed size, in bytes, of the trailer region at the tail
// of every page: [page_size-16, page_size).
const TrailerSize = 16

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// aeadAADPrefix is the fixed prefix of the associated data bound to every
// AEAD-sealed page; aeadAAD appends the page body (trailer excluded) to it.
const aeadAADPrefix = "P2AEAD01"

// crc32cOf computes the CRC32C (Castagnoli) digest of b.
func crc32cOf(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// Trailer is a sum type: either a 4-byte CRC32C digest (zero-padded to 16
// bytes) or a 16-byte AEAD tag. Exactly one is ever populated, selected by
// meta.checksum_kind and the runtime TDE (key) state — never both.
type Trailer struct {
	CRC  [4]byte
	AEAD [16]byte
	Kind TrailerKind
}

type TrailerKind byte

const (
	TrailerCRC32C TrailerKind = iota
	TrailerAEAD
)

// sealCRC32C stamps a CRC32C trailer into page[page_size-16:] computed over
// the page with the trailer region zeroed.
func sealCRC32C(page []byte) {
	trailer := page[len(page)-TrailerSize:]
	for i := range trailer {
		trailer[i] = 0
	}
	digest := crc32cOf(page)
	trailer[0] = byte(digest)
	trailer[1] = byte(digest >> 8)
	trailer[2] = byte(digest >> 16)
	trailer[3] = byte(digest >> 24)
}

// verifyCRC32C checks the trailer against the page bytes. zeroStrict rejects
// an all-zero CRC as invalid (the zero_checksum_strict toggle, spec.md §6);
// a zero CRC is otherwise treated as "unset" for freshly-zeroed test fixtures.
func verifyCRC32C(page []byte, zeroStrict bool) error {
	trailer := page[len(page)-TrailerSize:]
	var stored [4]byte
	copy(stored[:], trailer[0:4])
	allZero := stored == [4]byte{}
	if allZero && !zeroStrict {
		return nil
	}

	buf := make([]byte, len(page))
	copy(buf, page)
	for i := len(page) - TrailerSize; i < len(page); i++ {
		buf[i] = 0
	}
	want := crc32cOf(buf)
	got := uint32(stored[0]) | uint32(stored[1])<<8 | uint32(stored[2])<<16 | uint32(stored[3])<<24
	if want != got {
		return fmt.Errorf("storage: page checksum %08x want %08x: %w", got, want, ErrChecksumMismatch)
	}
	return nil
}

// aeadCipher builds an AES-256-GCM AEAD from a 32-byte key. The key is
// supplied by the caller's key-management layer (out of core scope); this
// function only performs the seal/open mechanics.
func aeadCipher(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// aeadAAD builds the associated data QuiverDB binds an AEAD tag to: the
// fixed prefix, the common header, and the rest of the page body (the
// trailer itself excluded) — i.e. integrity, not confidentiality, covers the
// whole page. nonce must be 12 bytes and unique per (key, page_id, lsn) per
// the caller's key-management discipline.
func aeadAAD(page []byte) []byte {
	aad := make([]byte, 0, len(aeadAADPrefix)+len(page)-TrailerSize)
	aad = append(aad, aeadAADPrefix...)
	aad = append(aad, page[:len(page)-TrailerSize]...)
	return aad
}

// sealAEAD seals the page in place, writing the 16-byte tag into the
// trailer. GCM.Seal over an empty plaintext with the page body as AAD
// authenticates the page without re-encrypting it (integrity only, per
// spec.md §1's non-goal of full-key confidentiality).
func sealAEAD(aead cipher.AEAD, page []byte, nonce []byte) error {
	trailer := page[len(page)-TrailerSize:]
	for i := range trailer {
		trailer[i] = 0
	}
	tag := aead.Seal(nil, nonce, nil, aeadAAD(page))
	if len(tag) != 16 {
		return fmt.Errorf("storage: unexpected aead tag length %d", len(tag))
	}
	copy(trailer, tag)
	return nil
}

// verifyAEAD checks the trailer's 16-byte tag against the page body.
func verifyAEAD(aead cipher.AEAD, page []byte, nonce []byte) error {
	trailer := page[len(page)-TrailerSize:]
	var tag [16]byte
	copy(tag[:], trailer)

	buf := make([]byte, len(page))
	copy(buf, page)
	for i := len(buf) - TrailerSize; i < len(buf); i++ {
		buf[i] = 0
	}

	if _, err := aead.Open(nil, nonce, tag[:], aeadAAD(buf)); err != nil {
		return fmt.Errorf("storage: aead tag verification failed: %w", ErrIntegrityFailure)
	}
	return nil
}
