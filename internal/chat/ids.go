package chat

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MockIDPrefix marks identifiers produced by client-side fixtures. Events
// carrying them are ignored.
const MockIDPrefix = "mock-"

var validate = validator.New()

// NewID returns a 24 character hex identifier: 4 bytes of unix seconds
// followed by 8 random bytes, so ids sort roughly by creation time.
func NewID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:])
	return hex.EncodeToString(b[:])
}

// ValidID reports whether id is a 24 character hex identifier that is not a
// mock fixture.
func ValidID(id string) bool {
	if strings.HasPrefix(id, MockIDPrefix) {
		return false
	}
	return validate.Var(id, "required,len=24,hexadecimal") == nil
}
