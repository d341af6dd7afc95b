package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed digests.
// Version suffix enables future algorithm migration.
const (
	DomainPartition = "offermatch/partition/v1"
	DomainProducts  = "offermatch/products/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PartitionDigest hashes the canonical, label-free form of a partition.
// Two emissions with the same grouping of offers have the same digest no
// matter which product ids they use.
func PartitionDigest(groups [][]string) (string, error) {
	canonical, err := MarshalCanonical(CanonicalPartition(groups))
	if err != nil {
		return "", fmt.Errorf("PartitionDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPartition, canonical), nil
}

// ProductsDigest hashes the full emitted product records, labels and
// derived attributes included.
func ProductsDigest(products []Product) (string, error) {
	list := make([]any, len(products))
	for i, p := range products {
		list[i] = ProductMap(p)
	}
	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("ProductsDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainProducts, canonical), nil
}

// MustPartitionDigest is like PartitionDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPartitionDigest(groups [][]string) string {
	d, err := PartitionDigest(groups)
	if err != nil {
		panic(err)
	}
	return d
}
