package object

import (
	"context"
	"errors"
	"io"
	"path"

	"grantmatch-backend/internal/shared/util"
)

var ErrNotFound = errors.New("object not found")

// ObjectStore saves and retrieves objects by key.
type ObjectStore interface {
	SaveWithKey(ctx context.Context, storageKey string, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// SnapshotKey returns the key under which a job's catalogue snapshot is archived. Project ids
// that are not safe path segments are replaced by their hash.
func SnapshotKey(projectID, jobID string) (string, error) {
	project := util.SegmentOrHash(projectID)
	job, err := util.SafeSegment(jobID)
	if err != nil {
		return "", err
	}
	return path.Join("snapshots", project, job+".json"), nil
}
