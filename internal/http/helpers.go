package http

import (
	"errors"
	"net/http"
	"strings"
)

// HeaderUserID carries the caller's identity, set by the gateway in front
// of the API.
const HeaderUserID = "X-User-ID"

const maxUserIDLength = 128

var errMissingUser = errors.New("missing or invalid " + HeaderUserID + " header")

// userID returns the authenticated user of the request.
func userID(r *http.Request) (string, error) {
	id := sanitizeInput(r.Header.Get(HeaderUserID))
	if id == "" || len(id) > maxUserIDLength {
		return "", errMissingUser
	}
	return id, nil
}

// sanitizeInput removes potentially dangerous characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	result := strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
	return result
}
