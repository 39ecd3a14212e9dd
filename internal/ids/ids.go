// Package ids generates the time-ordered identifiers handed out to clients.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewExecutionID() string {
	return newID("exec")
}

func NewInstanceID() string {
	return newID("inst")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
