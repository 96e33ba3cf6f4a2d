// Package composite encodes and decodes execution composite keys.
//
// A composite key is "<job_id>:<execution_id>". Decoding splits on the first
// separator, so an execution id may itself contain ':' but a job id must not.
// Job ids are not validated on Join: keeping them separator-free is the
// caller's responsibility.
package composite

import (
	"errors"
	"fmt"
	"strings"
)

const Separator = ":"

var ErrMalformedKey = errors.New("malformed composite key")

// Join builds the composite key of an execution.
func Join(jobID, executionID string) string {
	return jobID + Separator + executionID
}

// Split returns the job id and execution id of key.
func Split(key string) (jobID, executionID string, err error) {
	jobID, executionID, found := strings.Cut(key, Separator)
	if !found || jobID == "" || executionID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return jobID, executionID, nil
}

// JobID returns the job id half of key.
func JobID(key string) (string, error) {
	jobID, _, err := Split(key)
	return jobID, err
}

// HasJob reports whether key belongs to jobID.
func HasJob(key, jobID string) bool {
	return strings.HasPrefix(key, jobID+Separator)
}
