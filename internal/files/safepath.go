package files

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// maxNumbered is the last _N suffix tried before random suffixes.
const maxNumbered = 9

// exclusiveAttempts bounds AtomicWriteExclusive: the path itself, the
// numbered names, then a few random ones.
const exclusiveAttempts = maxNumbered + 4

// candidatePath returns the attempt-th name tried for path: path itself,
// then base_1 through base_9, then base_<uuid>.
func candidatePath(path string, attempt int) string {
	if attempt <= 0 {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	if attempt <= maxNumbered {
		return fmt.Sprintf("%s_%d%s", base, attempt, ext)
	}
	u, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s_%s%s", base, uuid.NewString()[:8], ext)
	}
	return fmt.Sprintf("%s_%s%s", base, u.String(), ext)
}
