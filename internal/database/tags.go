package database

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Value implements driver.Valuer.
func (t TagList) Value() (driver.Value, error) {
	return strings.Join(t, ","), nil
}

// Scan implements sql.Scanner.
func (t *TagList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*t = TagList{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into TagList", src)
	}
	if raw == "" {
		*t = TagList{}
		return nil
	}
	*t = NewTagList(strings.Split(raw, ","))
	return nil
}

// Has reports whether tag is in the list.
func (t TagList) Has(tag string) bool {
	for _, v := range t {
		if v == tag {
			return true
		}
	}
	return false
}
