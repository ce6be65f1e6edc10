package entitlement

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// canonicalRequest fixes the field order the request hash is computed over.
type canonicalRequest struct {
	Action           Action `json:"action"`
	UserID           string `json:"user_id"`
	StockKeepingUnit string `json:"stock_keeping_unit"`
	Reason           string `json:"reason"`
	PurchaseID       string `json:"purchase_id"`
}

// RequestHash is the hex SHA-256 of the compact canonical JSON of an action
// and its request. A replayed key must carry the same hash.
func RequestHash(a Action, r Request) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	err := enc.Encode(canonicalRequest{
		Action:           a,
		UserID:           r.UserID,
		StockKeepingUnit: r.StockKeepingUnit,
		Reason:           r.Reason,
		PurchaseID:       r.PurchaseID,
	})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))

	return hex.EncodeToString(sum[:]), nil
}
