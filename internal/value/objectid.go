package value

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/devrev/livestore/internal/errors"
)

// ObjectID is a 12 byte identifier: 4 bytes of seconds since the epoch,
// 5 random bytes and a 3 byte counter.
type ObjectID [12]byte

var (
	objectIDCounter atomic.Uint32
	processUnique   [5]byte
)

func init() {
	_, _ = rand.Read(processUnique[:])
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	objectIDCounter.Store(binary.BigEndian.Uint32(seed[:]))
}

// NewObjectID generates an ObjectID for the current time.
func NewObjectID() ObjectID {
	return NewObjectIDAt(time.Now())
}

func NewObjectIDAt(t time.Time) ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	copy(id[4:9], processUnique[:])
	c := objectIDCounter.Add(1)
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// ParseObjectID parses the 24 character hex form.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	if len(s) != 24 {
		return id, errors.InvalidArgument("object id must be 24 hex characters", nil).
			WithDetail("value", s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, errors.InvalidArgument("invalid object id", err).WithDetail("value", s)
	}
	return id, nil
}

func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string {
	return id.Hex()
}

func (id ObjectID) Time() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0)
}
