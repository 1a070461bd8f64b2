package contract

import (
	"fmt"
	"strconv"
	"time"
)

// MissingCategory is the string a nil categorical value encodes as. It is
// what the training pipeline's string cast produced for missing values.
const MissingCategory = "None"

// Encoder maps the known classes of one categorical column to integer codes.
// Classes are sorted and unique; a class's code is its index. Unseen values
// are replaced by the first class. An Encoder is immutable once built.
type Encoder struct {
	column  string
	classes []string
	index   map[string]int
}

// NewEncoder builds an encoder. classes must be non-empty, strictly sorted
// and free of duplicates, which is how they are stored in the artifact.
func NewEncoder(column string, classes []string) (*Encoder, error) {
	if column == "" {
		return nil, fmt.Errorf("encoder: empty column name")
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("encoder %s: no classes", column)
	}
	idx := make(map[string]int, len(classes))
	for i, c := range classes {
		if i > 0 && classes[i-1] >= c {
			return nil, fmt.Errorf("encoder %s: classes must be sorted and unique (%q before %q)", column, classes[i-1], c)
		}
		idx[c] = i
	}
	cp := make([]string, len(classes))
	copy(cp, classes)
	return &Encoder{column: column, classes: cp, index: idx}, nil
}

// Column returns the categorical column this encoder serves.
func (e *Encoder) Column() string { return e.column }

// Classes returns a copy of the known classes.
func (e *Encoder) Classes() []string {
	cp := make([]string, len(e.classes))
	copy(cp, e.classes)
	return cp
}

// Fallback returns the out-of-vocabulary substitute class.
func (e *Encoder) Fallback() string { return e.classes[0] }

// Encode maps v to its code. substituted is true when v was not a known
// class and the fallback was used instead.
func (e *Encoder) Encode(v any) (code int, substituted bool) {
	s := categoryString(v)
	if i, ok := e.index[s]; ok {
		return i, false
	}
	return 0, true
}

// categoryString renders a raw value the way the training pipeline cast
// categoricals to strings.
func categoryString(v any) string {
	switch x := v.(type) {
	case nil:
		return MissingCategory
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case time.Time:
		return x.Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
