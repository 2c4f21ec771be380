package courier

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/courier-mta/courier/mlog"
)

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id to be used for connections/operations/requests.
func Cid() int64 {
	return cid.Add(1)
}

// CidContext returns a context with a fresh cid for logging, derived from the
// process Context.
func CidContext() context.Context {
	return context.WithValue(Context, mlog.CidKey, Cid())
}
