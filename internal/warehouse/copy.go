package warehouse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
)

// ErrInvalidSpec is returned for a CopySpec that cannot be rendered.
var ErrInvalidSpec = errors.New("invalid copy spec")

// CopySpec describes one bulk load of a CSV object into a table.
type CopySpec struct {
	Schema       string
	Table        string
	Source       artifact.Ref
	IAMRole      string
	Region       string
	Delimiter    string
	IgnoreHeader int
}

// QualifiedTable returns the quoted schema.table identifier.
func (s CopySpec) QualifiedTable() string {
	return pgx.Identifier{s.Schema, s.Table}.Sanitize()
}

// BuildCopySQL renders the Redshift COPY statement for spec.
func BuildCopySQL(spec CopySpec) (string, error) {
	if spec.Schema == "" || spec.Table == "" {
		return "", fmt.Errorf("%w: schema and table are required", ErrInvalidSpec)
	}
	if spec.Source.Bucket == "" || spec.Source.Key == "" {
		return "", fmt.Errorf("%w: source bucket and key are required", ErrInvalidSpec)
	}
	if spec.IAMRole == "" {
		return "", fmt.Errorf("%w: IAM role is required", ErrInvalidSpec)
	}
	if len(spec.Delimiter) != 1 {
		return "", fmt.Errorf("%w: delimiter must be one character, got %q", ErrInvalidSpec, spec.Delimiter)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s FROM %s", spec.QualifiedTable(), quote(spec.Source.URI()))
	fmt.Fprintf(&b, " IAM_ROLE %s", quote(spec.IAMRole))
	b.WriteString(" CSV")
	if spec.IgnoreHeader > 0 {
		fmt.Fprintf(&b, " IGNOREHEADER %d", spec.IgnoreHeader)
	}
	fmt.Fprintf(&b, " DELIMITER %s", quote(spec.Delimiter))
	if spec.Region != "" {
		fmt.Fprintf(&b, " REGION %s", quote(spec.Region))
	}
	return b.String(), nil
}

// quote renders s as a single-quoted SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
