package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexesNeverExpireDocuments(t *testing.T) {
	indexes := append(jobIndexes(), batchIndexes()...)
	assert.Len(t, indexes, 3)

	for _, index := range indexes {
		if assert.NotNil(t, index.Options) {
			assert.Nil(t, index.Options.ExpireAfterSeconds, "index %v", index.Keys)
		}
	}
}
