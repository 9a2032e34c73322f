package artifact

import (
	"fmt"
	"time"
)

// Artifact extensions.
const (
	ExtRaw         = "json"
	ExtTransformed = "csv"
)

// Key returns the object key for a dataset artifact of the given logical date:
// <prefix>_<YYYY-MM-DD>.<ext>.
func Key(prefix string, date LogicalDate, ext string) string {
	return fmt.Sprintf("%s_%s.%s", prefix, date, ext)
}

// Keys holds every key a run derives from its logical date.
type Keys struct {
	Raw         string
	Transformed string
}

// KeysFor derives the raw and transformed keys for date.
func KeysFor(prefix string, date LogicalDate) (Keys, error) {
	if date.IsZero() {
		return Keys{}, ErrZeroDate
	}
	if prefix == "" {
		return Keys{}, fmt.Errorf("dataset prefix is empty")
	}
	return Keys{
		Raw:         Key(prefix, date, ExtRaw),
		Transformed: Key(prefix, date, ExtTransformed),
	}, nil
}

// Ref locates an object in object storage.
type Ref struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// String returns bucket/key.
func (r Ref) String() string {
	return r.Bucket + "/" + r.Key
}

// URI returns the s3:// form of the reference, as warehouse COPY expects it.
func (r Ref) URI() string {
	return fmt.Sprintf("s3://%s/%s", r.Bucket, r.Key)
}

// RawArtifact is the provider response persisted to local staging.
// The Extractor owns it until the StageUploader hands it to object storage.
type RawArtifact struct {
	Date      LogicalDate
	Key       string
	Path      string // local staging path
	Size      int64
	Checksum  string
	FetchedAt time.Time
}
