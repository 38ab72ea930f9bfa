package services

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// SignatureItem is the (product, quantity) pair an order signature is computed from.
type SignatureItem struct {
	ProductID string
	Qty       int
}

// BuildOrderSignature returns the hex SHA-256 of the items sorted by product id and
// serialised as "id:qty|id:qty". Request ordering does not affect the result.
func BuildOrderSignature(items []SignatureItem) string {
	sorted := make([]SignatureItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].ProductID == sorted[j].ProductID {
			return sorted[i].Qty < sorted[j].Qty
		}
		return sorted[i].ProductID < sorted[j].ProductID
	})

	var b strings.Builder
	for i, item := range sorted {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(item.ProductID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(item.Qty))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func signatureOfItems(items []OrderItem) string {
	pairs := make([]SignatureItem, 0, len(items))
	for _, item := range items {
		pairs = append(pairs, SignatureItem{ProductID: item.ProductID, Qty: item.Qty})
	}
	return BuildOrderSignature(pairs)
}
