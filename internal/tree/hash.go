package tree

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content hashing. The version suffix enables future
// algorithm migration without ambiguity between old and new hashes.
const (
	DomainPeriodLock = "fleetdata/periodlock/v1"
	DomainBackup     = "fleetdata/backup/v1"
)

// HashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue canonically serializes a value and hashes it under the domain.
func HashValue(domain string, v Value) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return HashWithDomain(domain, canonical), nil
}
