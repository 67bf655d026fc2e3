package dedupestor

import (
	"strconv"
	"time"
)

// Metadata describes a stored blob.
type Metadata struct {
	ID         string    // content hash
	Size       int64     // length in bytes
	References int64     // number of writers that stored this content
	Created    time.Time // first write
}

// metadataFromFields converts a stored hash back to Metadata. It reports
// false for an empty hash.
func metadataFromFields(id string, fields map[string]string) (Metadata, bool) {
	if len(fields) == 0 {
		return Metadata{}, false
	}
	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	refs, _ := strconv.ParseInt(fields["refs"], 10, 64)
	created, _ := strconv.ParseInt(fields["created"], 10, 64)
	return Metadata{
		ID:         id,
		Size:       size,
		References: refs,
		Created:    time.Unix(created, 0),
	}, true
}
