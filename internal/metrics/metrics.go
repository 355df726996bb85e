// Package metrics accumulates proxy-wide counters and optionally
// snapshots them to a rolling CSV log on a fixed interval.
package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Counters are the atomic proxy-wide counters tracked for the lifetime
// of a running nultund process.
type Counters struct {
	SessionsOpened atomic.Int64
	SessionsClosed atomic.Int64
	LocalBytes     atomic.Int64
	RemoteBytes    atomic.Int64
	MessagesLocal  atomic.Int64
	MessagesRemote atomic.Int64
	Ticks          atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters { return &Counters{} }

// Header returns the CSV column names matching ToSlice's order.
func (c *Counters) Header() []string {
	return []string{
		"sessions_opened", "sessions_closed",
		"local_bytes", "remote_bytes",
		"messages_local", "messages_remote",
		"ticks",
	}
}

// ToSlice renders the current counter values as strings, in Header order.
func (c *Counters) ToSlice() []string {
	return []string{
		fmt.Sprint(c.SessionsOpened.Load()),
		fmt.Sprint(c.SessionsClosed.Load()),
		fmt.Sprint(c.LocalBytes.Load()),
		fmt.Sprint(c.RemoteBytes.Load()),
		fmt.Sprint(c.MessagesLocal.Load()),
		fmt.Sprint(c.MessagesRemote.Load()),
		fmt.Sprint(c.Ticks.Load()),
	}
}

// RunLogger appends a CSV snapshot of c to path every interval, using
// path's basename as a time.Format layout so the log file rolls over
// (e.g. "metrics-20060102.csv"). It runs until ctx is done. A zero
// interval or empty path disables logging entirely.
func RunLogger(ctx context.Context, path string, interval time.Duration, c *Counters) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logdir, logfile := filepath.Split(path)
			f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Println(err)
				continue
			}
			w := csv.NewWriter(f)
			if stat, serr := f.Stat(); serr == nil && stat.Size() == 0 {
				if werr := w.Write(append([]string{"unix"}, c.Header()...)); werr != nil {
					log.Println(werr)
				}
			}
			if werr := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, c.ToSlice()...)); werr != nil {
				log.Println(werr)
			}
			w.Flush()
			f.Close()
		}
	}
}
