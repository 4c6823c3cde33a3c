package domain

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// ProposalIDLength — id укорочен для читаемости; уникальность обеспечивается областью (время + автор).
const ProposalIDLength = 16

// HashBytes возвращает hex blake3 от содержимого.
func HashBytes(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashJSON хеширует значение в каноничном JSON (encoding/json сортирует ключи map).
// nil хешируется как пустая строка, чтобы аудит не содержал хеш "null".
func HashJSON(v any) string {
	if v == nil {
		return ""
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return ""
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return HashBytes(b)
}

// ProposalID — стабильный хеш (capabilityId, requestedBy, createdAt).
func ProposalID(capabilityID, requestedBy string, createdAt time.Time) string {
	h := blake3.New()
	_, _ = h.Write([]byte(capabilityID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(requestedBy))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(createdAt.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))[:ProposalIDLength]
}
