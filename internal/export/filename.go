package export

import (
	"strings"
	"time"

	"github.com/exportworks/excel-export/internal/constant"
)

const maxFilenamePrefixLen = 50

// Filename builds the download filename "<prefix>-YYYY-MM-DD-HHMMSS.xlsx".
// The prefix is reduced to [A-Za-z0-9_-] and capped at 50 characters; when
// nothing survives sanitizing, the default prefix is used.
func Filename(prefix string, now time.Time) string {
	return sanitizePrefix(prefix) + now.Format("-2006-01-02-150405") + ".xlsx"
}

func sanitizePrefix(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		if b.Len() == maxFilenamePrefixLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return constant.FilenamePrefix
	}
	return b.String()
}
