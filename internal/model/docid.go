package model

import (
	"encoding/hex"

	"github.com/zeebo/xxh3"
)

// DocID derives the stable document id of a source entity.
func DocID(dataSource string, entity EntityType, sourceKey string) string {
	sum := xxh3.HashString128(dataSource + "|" + string(entity) + "|" + sourceKey).Bytes()
	return hex.EncodeToString(sum[:])
}
