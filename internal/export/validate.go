package export

import (
	"fmt"
	"strconv"

	"github.com/exportworks/excel-export/internal/apperr"
	"github.com/exportworks/excel-export/internal/constant"
)

// ValidateRowCount parses the rowCount query parameter. An empty value means
// the default; non-integer or out-of-range values are validation failures.
// The gateway applies this before forwarding so bad requests never reach the
// export API.
func ValidateRowCount(raw string) (int, *apperr.Error) {
	if raw == "" {
		return constant.DefaultRowCount, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.CodeValidation,
			fmt.Sprintf("rowCount must be an integer, got %q", raw))
	}
	if n < constant.MinRowCount || n > constant.MaxRowCount {
		return 0, apperr.New(apperr.CodeValidation,
			fmt.Sprintf("rowCount must be between %d and %d, got %d",
				constant.MinRowCount, constant.MaxRowCount, n))
	}
	return n, nil
}
