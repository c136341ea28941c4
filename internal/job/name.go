package job

import (
	"fmt"
	"jobwatch/internal/apperrors"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// jobNamePattern is the shape the tracking API accepts for job names.
var jobNamePattern = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)

// BuildName normalizes a job name for submission. Underscores become hyphens
// and the name is lower-cased. With appendSuffix, the first eight characters
// of a random UUID are appended so repeated submissions do not collide.
func BuildName(name string, appendSuffix bool) (string, error) {
	base := strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	if !jobNamePattern.MatchString(base) {
		return "", apperrors.Validation("jobName", fmt.Sprintf(
			"invalid job_name (%s); the name must consist of only the characters [-a-z0-9], "+
				"starting with a letter and ending with a letter or number", name))
	}
	if !appendSuffix {
		return base, nil
	}
	return base + "-" + uuid.NewString()[:8], nil
}
