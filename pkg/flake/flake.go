package flake

import (
	"strconv"
	"time"

	"github.com/davidnarayan/go-flake"
)

var idgen *flake.Flake

func init() {
	var err error
	idgen, err = flake.New()
	if err != nil {
		panic(err)
	}
}

// NextID returns a new time ordered id, used to tag the log lines of one migration run.
func NextID() string {
	id := idgen.NextId()
	return id.String()
}

// ParseFlakeID returns the time an id from NextID was generated.
func ParseFlakeID(id string) (time.Time, error) {
	num, err := strconv.ParseInt(id, 16, 64)
	if err != nil {
		return time.Time{}, err
	}

	seq := num & 0xFFFF

	num = num >> (flake.HostBits + flake.SequenceBits)
	createdAt := flake.Epoch.Add(time.Duration(num) * time.Millisecond).Add(time.Duration(seq) * time.Nanosecond)

	return createdAt, nil
}
