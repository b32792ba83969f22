package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for settlement scheduling so tests can control it.
// All consumers treat the returned time as UTC.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// Module provides the system clock.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
